package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Prober checks whether the remote backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes a health URL; any 2xx/3xx response counts as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates an HTTPProber for url.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: http.DefaultClient}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
