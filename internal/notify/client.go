// ABOUTME: Constructs the production SSRF-safe HTTP client for outbound deliveries.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package notify

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultClientTimeout bounds one outbound delivery request.
const DefaultClientTimeout = 10 * time.Second

// BuildSafeClient returns an SSRF-safe *http.Client for webhook, SMS and push
// delivery. Redirects are not followed.
func BuildSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
