package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport is an http.RoundTripper that reports outbound
// request metrics per component (replay, probe). Duration covers the
// full exchange including body consumption, so a request is recorded
// when its response body is closed, not when headers arrive. Transport
// errors are recorded immediately since no body will follow.
type InstrumentedTransport struct {
	base      http.RoundTripper
	component string
}

// NewInstrumentedTransport wraps base, defaulting to
// http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper, component string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, component: component}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordOutbound(req.Context(), t.component, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		component:  t.component,
		outcome:    outcomeForStatus(resp.StatusCode),
		start:      start,
	}
	return resp, nil
}

func outcomeForStatus(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// countingBody tallies bytes read from a response body and emits the
// request's metrics once, on the first Close.
type countingBody struct {
	io.ReadCloser
	ctx       context.Context
	component string
	outcome   string
	start     time.Time
	bytes     int64
	recorded  bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordOutbound(b.ctx, b.component, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
