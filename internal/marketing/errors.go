package marketing

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketing api error (%d): %s", e.Status, e.Message)
}

// IsRejected reports whether err is a provider response that will not succeed
// on retry (4xx other than 408 and 429).
func IsRejected(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status >= 400 && ae.Status < 500 &&
		ae.Status != http.StatusRequestTimeout &&
		ae.Status != http.StatusTooManyRequests
}
