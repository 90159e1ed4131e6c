package cacheflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Fetch executes req through the configured client, running the fetch
// lifecycle callbacks. A positive NetworkTimeout bounds the attempt. Failures
// come back as a NetworkError wrapping the transport cause.
func (h *Handler) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	original := req
	for i, p := range h.cfg.Plugins {
		if p.RequestWillFetch == nil {
			continue
		}
		next, err := p.RequestWillFetch(ctx, &RequestWillFetchArgs{Request: req, State: h.stateFor(i)})
		if err != nil {
			return nil, &PluginError{Plugin: p.Name, Callback: "RequestWillFetch", Err: err}
		}
		if next != nil {
			req = next
		}
	}

	fetchCtx := ctx
	var cancel context.CancelFunc
	if h.cfg.NetworkTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, h.cfg.NetworkTimeout)
	}

	resp, err := h.cfg.Client.Do(req.WithContext(fetchCtx))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		timeout := errors.Is(err, context.DeadlineExceeded)
		if !timeout {
			var netErr net.Error
			timeout = errors.As(err, &netErr) && netErr.Timeout()
		}
		for i, p := range h.cfg.Plugins {
			if p.FetchDidFail == nil {
				continue
			}
			args := &FetchDidFailArgs{OriginalRequest: original, Request: req, Err: err, State: h.stateFor(i)}
			if cbErr := p.FetchDidFail(ctx, args); cbErr != nil {
				return nil, &PluginError{Plugin: p.Name, Callback: "FetchDidFail", Err: cbErr}
			}
		}
		return nil, &NetworkError{URL: req.URL.String(), Timeout: timeout, Err: err}
	}
	if cancel != nil {
		// The deadline must survive until the body is consumed.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}

	for i, p := range h.cfg.Plugins {
		if p.FetchDidSucceed == nil {
			continue
		}
		next, err := p.FetchDidSucceed(ctx, &FetchDidSucceedArgs{Request: req, Response: resp, State: h.stateFor(i)})
		if err != nil {
			return nil, &PluginError{Plugin: p.Name, Callback: "FetchDidSucceed", Err: err}
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// FetchAndCachePut fetches req, returns the response immediately, and
// registers the cache write as an extend-lifetime background task. The
// returned response's body is independent of the background write.
func (h *Handler) FetchAndCachePut(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := h.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, dup, err := cloneResponse(resp)
	if err != nil {
		return nil, err
	}
	putReq := req.Clone(context.WithoutCancel(ctx))
	h.WaitUntil(ctx, func(taskCtx context.Context) error {
		_, putErr := h.CachePut(taskCtx, putReq, dup)
		return putErr
	})
	return resp, nil
}

// cloneResponse buffers the body once and returns the original response plus
// an independent duplicate, each with its own reader over the shared bytes.
func cloneResponse(resp *http.Response) (*http.Response, *http.Response, error) {
	var data []byte
	if resp.Body != nil {
		read, err := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("cacheflow: read response body: %w", err)
		}
		if closeErr != nil {
			return nil, nil, fmt.Errorf("cacheflow: close response body: %w", closeErr)
		}
		data = read
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	dup := new(http.Response)
	*dup = *resp
	dup.Header = resp.Header.Clone()
	dup.Body = io.NopCloser(bytes.NewReader(data))
	return resp, dup, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
