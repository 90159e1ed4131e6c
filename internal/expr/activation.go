package expr

import (
	"net/http"
	"time"
)

// BuildActivation assembles the variable bindings a cacheIf program sees for
// one request/response pair. Multi-valued headers and query parameters expose
// their first value.
func BuildActivation(req *http.Request, resp *http.Response) map[string]any {
	activation := map[string]any{
		"now": time.Now().UTC(),
	}

	request := map[string]any{}
	if req != nil {
		request["method"] = req.Method
		request["host"] = req.Host
		request["headers"] = headerToAnyMap(req.Header)
		if req.URL != nil {
			request["path"] = req.URL.Path
			query := map[string]any{}
			for key, values := range req.URL.Query() {
				if len(values) > 0 {
					query[key] = values[0]
				}
			}
			request["query"] = query
		}
	}
	activation["request"] = request

	response := map[string]any{}
	if resp != nil {
		response["status"] = resp.StatusCode
		response["headers"] = headerToAnyMap(resp.Header)
	}
	activation["response"] = response

	return activation
}

func headerToAnyMap(h http.Header) map[string]any {
	out := map[string]any{}
	for key, values := range h {
		if len(values) > 0 {
			out[http.CanonicalHeaderKey(key)] = values[0]
		}
	}
	return out
}
