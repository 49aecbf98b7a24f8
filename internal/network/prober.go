package network

import (
	"context"
	"fmt"
	"net/http"
)

// Prober checks whether the remote service is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber sends HEAD to URL. Any HTTP response means reachable; only
// transport errors count as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober for url.
func NewHTTPProber(url string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	return &HTTPProber{URL: url, Client: client}
}

// Probe performs one request.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	_ = resp.Body.Close()
	return nil
}
