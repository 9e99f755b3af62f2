package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/nixmox/orchestrator/pkg/manifest"
)

// HTTPRunner probes a service with an HTTP GET. 2xx and 3xx responses
// count as healthy.
type HTTPRunner struct {
	client *http.Client
}

// NewHTTPRunner creates an HTTP runner. Certificate verification is
// disabled: probed services sit behind the internal CA, which is often
// provisioned in the same run as the service itself.
func NewHTTPRunner() *HTTPRunner {
	return &HTTPRunner{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Run implements Runner.
func (r *HTTPRunner) Run(ctx context.Context, target engine.Target, spec *manifest.HealthSpec) error {
	url := spec.Target
	if strings.HasPrefix(url, "/") {
		url = "https://" + target.Host + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		// No response at all: connection refused, DNS failure, TLS
		// handshake error. The service never answered the probe.
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
