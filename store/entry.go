package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Entry is a cached response snapshot. The body is held in full so the entry
// can be replayed any number of times with a fresh reader.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	URL       string      `json:"url"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// NewEntry snapshots a response into an Entry, draining the body and leaving
// the response readable again for the caller. A ttl of zero produces an entry
// that never expires.
func NewEntry(resp *http.Response, ttl time.Duration) (Entry, error) {
	if resp == nil {
		return Entry{}, errors.New("store: nil response")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return Entry{}, fmt.Errorf("store: read response body: %w", err)
		}
		if closeErr != nil {
			return Entry{}, fmt.Errorf("store: close response body: %w", closeErr)
		}
		body = data
		resp.Body = io.NopCloser(bytes.NewReader(data))
	}
	entry := Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		entry.URL = resp.Request.URL.String()
	}
	if ttl > 0 {
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}
	return entry, nil
}

// Response materializes the entry as an HTTP response with a fresh body
// reader.
func (e Entry) Response() *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}

// Expired reports whether the entry's expiry, if any, has passed.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:    in.Status,
		URL:       in.URL,
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
	if in.Header != nil {
		out.Header = in.Header.Clone()
	}
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
