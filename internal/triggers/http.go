// http.go is the HTTP ingress adapter (spec §4.3 "HTTP"). Rather than
// polling, it is driven by an http.Handler registered on the control
// plane's mux; each request becomes one KindHttpRequest record. The
// (method, path_pattern) matching against FunctionSpec.Trigger happens
// in C4 (the bus), not here — this adapter only captures the request.
package triggers

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

// HTTPSource turns inbound HTTP requests into TriggerRecords. Mount
// Handler on whatever path the control plane exposes for function
// ingress.
type HTTPSource struct {
	sourceID string
	sink     Sink
	offset   uint64
	maxBody  int64
}

// NewHTTPSource builds an HTTPSource bound to sink; Run is a no-op for
// this adapter since it is driven by incoming requests rather than a
// poll loop.
func NewHTTPSource(sourceID string, sink Sink, maxBodyBytes int64) *HTTPSource {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &HTTPSource{sourceID: sourceID, sink: sink, maxBody: maxBodyBytes}
}

func (s *HTTPSource) ID() string { return s.sourceID }

// Run blocks until ctx is canceled; it exists only to satisfy Source,
// since HTTPSource is driven by ServeHTTP instead of a poll loop.
func (s *HTTPSource) Run(ctx context.Context, _ Sink) error {
	<-ctx.Done()
	return ctx.Err()
}

// Stop is a no-op; ServeHTTP stops receiving traffic once the mux it is
// registered on shuts down.
func (s *HTTPSource) Stop() {}

// Handler returns an http.Handler that publishes every request as a
// TriggerRecord and replies 202 Accepted once the record is durably
// enqueued, or 503 if the bus is overloaded.
func (s *HTTPSource) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody))
		if err != nil {
			http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
			return
		}

		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}

		rec := model.TriggerRecord{
			SourceID:   s.sourceID,
			Offset:     atomic.AddUint64(&s.offset, 1),
			Kind:       model.KindHttpRequest,
			OccurredAt: time.Now().UTC(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    headers,
			Body:       body,
			Principal:  r.Header.Get("X-Principal"),
		}

		if err := s.sink.Publish(r.Context(), rec); err != nil {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
