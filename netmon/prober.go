package netmon

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DefaultProbeURL is a well-known captive-portal check endpoint that
// answers 204 with an empty body.
const DefaultProbeURL = "http://connectivitycheck.gstatic.com/generate_204"

// Prober is the platform connectivity collaborator. Probe returns a
// raw sample describing the current connection, or an error when the
// network is unreachable.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (Sample, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// HTTPProber checks reachability by issuing a HEAD request against a
// generate-204 endpoint. It cannot see the physical link, so samples
// report LinkUnknown and quality defaults through Normalize.
type HTTPProber struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

// HTTPProberOption configures an HTTPProber.
type HTTPProberOption func(*HTTPProber)

// WithProbeURL overrides the probe endpoint.
func WithProbeURL(url string) HTTPProberOption {
	return func(p *HTTPProber) { p.url = url }
}

// WithHTTPClient overrides the HTTP client used for probes.
func WithHTTPClient(client *http.Client) HTTPProberOption {
	return func(p *HTTPProber) { p.client = client }
}

// WithProbeTimeout sets the per-probe deadline. Default is 5s.
func WithProbeTimeout(d time.Duration) HTTPProberOption {
	return func(p *HTTPProber) { p.timeout = d }
}

// NewHTTPProber creates a prober against DefaultProbeURL.
func NewHTTPProber(opts ...HTTPProberOption) *HTTPProber {
	p := &HTTPProber{
		client:  http.DefaultClient,
		url:     DefaultProbeURL,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober. Any transport error or 5xx status counts as
// unreachable.
func (p *HTTPProber) Probe(ctx context.Context) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("probing %s: %w", p.url, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Sample{}, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	return Sample{
		Connected:         true,
		InternetReachable: true,
		Link:              LinkUnknown,
	}, nil
}
