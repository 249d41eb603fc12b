package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// defaultProbeTimeout bounds one healthcheck request when the sweep's
// context does not cut it off sooner.
const defaultProbeTimeout = 10 * time.Second

// HTTPChecker probes the healthcheck endpoint an external module
// registered. Only a direct 2xx answer counts as healthy; error statuses
// and redirects do not.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker builds a checker for url. The client never follows
// redirects: the module itself has to answer.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL: url,
		Client: &http.Client{
			Timeout: defaultProbeTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check issues one GET against the endpoint.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return observe(start, false, fmt.Sprintf("bad healthcheck URL: %v", err))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return observe(start, false, fmt.Sprintf("healthcheck request failed: %v", err))
	}
	defer resp.Body.Close()

	verdict := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return observe(start, false, verdict+" (want 2xx)")
	}
	return observe(start, true, verdict)
}

// Type reports the check kind.
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}
