package reaper

import (
	"context"
	"fmt"
	"net/http"
)

// Prober issues the active health probe against an instance's health check
// URL.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber is the default Prober: a bare GET with keep-alives disabled,
// since each probe is a one-off and cross-instance connection reuse buys
// nothing here. Only a 2xx response counts as healthy.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber builds a Prober with its own dedicated transport.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}
