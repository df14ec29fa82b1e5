package k8s

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/client-go/rest"

	"github.com/env360/env360/internal/domain"
)

// CheckReadyz probes the API server's /readyz endpoint with the cluster's
// credentials. A cluster is considered healthy only on a 200 with an "ok"
// body.
func (c *Client) CheckReadyz(ctx context.Context) error {
	if c.restConfig == nil {
		return domain.Invalid("client", "readyz probe requires a rest config")
	}
	transport, err := rest.TransportFor(c.restConfig)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}
	httpClient := &http.Client{Transport: transport, Timeout: 15 * time.Second}

	url := strings.TrimRight(c.restConfig.Host, "/") + "/readyz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build readyz request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return domain.Unavailable("cluster readyz", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return domain.Unavailable("cluster readyz", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Unavailable("cluster readyz",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if !strings.Contains(string(body), "ok") {
		return domain.Unavailable("cluster readyz",
			fmt.Errorf("unexpected body %q", strings.TrimSpace(string(body))))
	}
	return nil
}
