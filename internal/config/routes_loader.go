package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/cacheflow/internal/expr"
)

const inlineSourceName = "inline-config"

// RouteBundle captures the merged route definitions after loading every
// configured source. The metadata explains what was loaded and why certain
// definitions were skipped.
type RouteBundle struct {
	Routes  map[string]RouteConfig
	Sources []string
	Skipped []DefinitionSkip
}

type routeDocument struct {
	Routes map[string]RouteConfig `koanf:"routes"`
}

type routeAggregator struct {
	routes       map[string]RouteConfig
	routeSources map[string]string
	routeSkips   map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newRouteAggregator() *routeAggregator {
	return &routeAggregator{
		routes:       make(map[string]RouteConfig),
		routeSources: make(map[string]string),
		routeSkips:   make(map[string]*DefinitionSkip),
		sources:      make(map[string]struct{}),
	}
}

func (a *routeAggregator) addDocument(doc routeDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Routes {
		a.addRoute(name, cfg, source)
	}
}

func (a *routeAggregator) addRoute(name string, cfg RouteConfig, source string) {
	if existing, ok := a.routeSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.routeSources[name]; ok {
		a.recordRouteSkip(name, "duplicate definition", prev, source)
		delete(a.routeSources, name)
		delete(a.routes, name)
		return
	}
	a.routeSources[name] = source
	a.routes[name] = cfg
}

func (a *routeAggregator) recordRouteSkip(name, reason string, sources ...string) {
	if skip, ok := a.routeSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "route",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.routeSkips[name] = skip
}

// validateRoutes quarantines definitions that violate route invariants or
// carry a cacheIf expression that does not compile. Capturing the issue here
// records the offending route in SkippedDefinitions so the ops endpoints can
// surface a precise diagnosis instead of failing at request time.
func (a *routeAggregator) validateRoutes(env *expr.Environment, defaultUpstream string) {
	for name, cfg := range a.routes {
		var reason string
		if err := ValidateRoute(name, cfg, defaultUpstream); err != nil {
			reason = err.Error()
		} else if trimmed := strings.TrimSpace(cfg.CacheIf); trimmed != "" {
			if _, err := env.Compile(trimmed); err != nil {
				reason = fmt.Sprintf("invalid cacheIf expression: %v", err)
			}
		}
		if reason == "" {
			continue
		}
		source := a.routeSources[name]
		a.recordRouteSkip(name, reason, source)
		delete(a.routeSources, name)
		delete(a.routes, name)
	}
}

// pruneDuplicatePrefixes quarantines routes that claim the same path prefix.
// Serving either one would silently shadow the other, so both are skipped and
// recorded for the operator.
func (a *routeAggregator) pruneDuplicatePrefixes() {
	byPrefix := make(map[string][]string)
	for name, cfg := range a.routes {
		prefix := strings.TrimSpace(cfg.Prefix)
		byPrefix[prefix] = append(byPrefix[prefix], name)
	}
	for prefix, names := range byPrefix {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		reason := fmt.Sprintf("duplicate prefix %s (also claimed by %s)", prefix, strings.Join(names, ", "))
		for _, name := range names {
			source := a.routeSources[name]
			a.recordRouteSkip(name, reason, source)
			delete(a.routeSources, name)
			delete(a.routes, name)
		}
	}
}

func (a *routeAggregator) bundle() RouteBundle {
	a.pruneDuplicatePrefixes()
	routes := make(map[string]RouteConfig, len(a.routes))
	for name, cfg := range a.routes {
		routes[name] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.routeSkips))
	for _, skip := range a.routeSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return RouteBundle{Routes: routes, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildRouteBundle(ctx context.Context, inlineRoutes map[string]RouteConfig, routesCfg RoutesConfig, defaultUpstream string) (RouteBundle, error) {
	agg := newRouteAggregator()
	if len(inlineRoutes) > 0 {
		agg.addDocument(routeDocument{Routes: inlineRoutes}, inlineSourceName)
	}

	files, err := collectRouteSources(ctx, routesCfg)
	if err != nil {
		return RouteBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return RouteBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRouteDocument(path)
		if err != nil {
			return RouteBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return RouteBundle{}, err
	}
	agg.validateRoutes(env, defaultUpstream)
	return agg.bundle(), nil
}

func collectRouteSources(ctx context.Context, routesCfg RoutesConfig) ([]string, error) {
	if routesCfg.RoutesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(routesCfg.RoutesFile); err != nil {
			return nil, err
		}
		return []string{routesCfg.RoutesFile}, nil
	}
	if routesCfg.RoutesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(routesCfg.RoutesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: routes folder %s: %w", routesCfg.RoutesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: routes folder %s is not a directory", routesCfg.RoutesFolder)
	}
	var files []string
	err = filepath.WalkDir(routesCfg.RoutesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedRoutesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk routes folder %s: %w", routesCfg.RoutesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: routes file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: routes file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRouteDocument(path string) (routeDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return routeDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return routeDocument{}, fmt.Errorf("config: load routes from %s: %w", path, err)
	}
	var doc routeDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return routeDocument{}, fmt.Errorf("config: decode routes from %s: %w", path, err)
	}
	if doc.Routes == nil {
		doc.Routes = make(map[string]RouteConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported routes file extension %s", ext)
	}
}

func isSupportedRoutesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneRouteMap(in map[string]RouteConfig) map[string]RouteConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
