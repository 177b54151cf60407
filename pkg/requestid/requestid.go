// Package requestid tags each inbound request with a correlation ID that flows into
// the request context, the response headers and every log record written with it.
package requestid

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Header is the default header carrying the ID in both directions.
const Header = "X-Request-ID"

const maxLength = 128

var validID = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

type contextKey struct{}

// WithContext stores id in ctx.
func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the stored ID or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

type options struct {
	headers  []string
	generate func() string
}

// Option configures Middleware.
type Option func(*options)

// WithTrustedHeaders accepts an incoming ID from the first present header, e.g. a
// load balancer trace header. The response always uses Header.
func WithTrustedHeaders(headers ...string) Option {
	return func(o *options) { o.headers = headers }
}

// WithGenerator replaces the UUID generator.
func WithGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.generate = fn
		}
	}
}

// Middleware reuses a valid incoming ID or generates a new one.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	o := &options{headers: []string{Header}, generate: uuid.NewString}
	for _, opt := range opts {
		opt(o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			for _, h := range o.headers {
				if v := r.Header.Get(h); valid(v) {
					id = v
					break
				}
			}
			if id == "" {
				id = o.generate()
			}
			w.Header().Set(Header, id)
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), id)))
		})
	}
}

// LoggerExtractor adds request_id to records logged with a tagged context.
func LoggerExtractor() logger.ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id := FromContext(ctx); id != "" {
			return logger.RequestID(id), true
		}
		return slog.Attr{}, false
	}
}

// Transport forwards the context's ID on outgoing requests.
type Transport struct {
	Base http.RoundTripper
}

func (t Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	id := FromContext(r.Context())
	if id == "" || r.Header.Get(Header) != "" {
		return base.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	r.Header.Set(Header, id)
	return base.RoundTrip(r)
}

func valid(id string) bool {
	return id != "" && len(id) <= maxLength && validID.MatchString(id)
}
