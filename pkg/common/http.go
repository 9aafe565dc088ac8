package common

import (
	"net/http"
	"time"
)

// Version is the release of the binary. It is overridden at build time with
// -ldflags "-X github.com/raterudder/energycost/pkg/common.Version=...".
var Version = "dev"

// UserAgent identifies the service in outgoing requests and the Server header.
func UserAgent() string {
	return "energycost/" + Version
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip sets the User-Agent header on a copy of the request.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client that identifies itself with UserAgent.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: UserAgent(),
		},
		Timeout: timeout,
	}
}
