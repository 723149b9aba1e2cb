package spinegate

import "net/http"

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	httpClient *http.Client
	bearer     string
	context    Context
}

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithBearerToken sends a JWT on every request. When the server has auth
// enabled, the token's claims replace the request context.
func WithBearerToken(token string) Option {
	return func(c *clientConfig) { c.bearer = token }
}

// WithContext sets the identity sent with Run and RunConfirmed.
func WithContext(ctx Context) Option {
	return func(c *clientConfig) { c.context = ctx }
}
