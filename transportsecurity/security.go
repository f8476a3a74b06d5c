// Package transportsecurity implements the request-level validation applied
// to inbound transport requests before any session state is touched. It
// guards against DNS rebinding by checking the Host and Origin headers
// against a configured allow-list, and enforces the sealed-envelope content
// type on message posts.
package transportsecurity

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
)

var (
	tspMediaType  = contenttype.NewMediaType("application/tsp")
	jsonMediaType = contenttype.NewMediaType("application/json")
)

// Settings control transport security validation.
type Settings struct {
	// EnableDNSRebindingProtection turns on Host/Origin validation. Disabled
	// by default so that plain reverse-proxied deployments keep working;
	// strongly recommended for servers bound to loopback.
	EnableDNSRebindingProtection bool

	// AllowedHosts lists acceptable Host header values. A ":*" suffix
	// matches any port, e.g. "localhost:*".
	AllowedHosts []string

	// AllowedOrigins lists acceptable Origin header values, with the same
	// ":*" wildcard-port support.
	AllowedOrigins []string
}

// LocalSettings returns settings that accept loopback hosts and origins on
// any port, with rebinding protection enabled.
func LocalSettings() Settings {
	return Settings{
		EnableDNSRebindingProtection: true,
		AllowedHosts:                 []string{"localhost:*", "127.0.0.1:*", "[::1]:*"},
		AllowedOrigins:               []string{"http://localhost:*", "http://127.0.0.1:*", "http://[::1]:*"},
	}
}

// RequestError describes a rejected request. Nil means the request passed.
type RequestError struct {
	Status  int
	Message string
}

// Write emits the rejection to w.
func (e *RequestError) Write(w http.ResponseWriter) {
	http.Error(w, e.Message, e.Status)
}

// Validator applies Settings to incoming requests. It is stateless and safe
// for concurrent use.
type Validator struct {
	settings Settings
	log      *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used for rejection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// NewValidator creates a Validator for the given settings.
func NewValidator(settings Settings, opts ...Option) *Validator {
	v := &Validator{settings: settings, log: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// matchAllowed reports whether value matches any entry in allowed, honoring
// ":*" wildcard-port suffixes.
func matchAllowed(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
		if base, ok := strings.CutSuffix(a, ":*"); ok && strings.HasPrefix(value, base+":") {
			return true
		}
	}
	return false
}

func (v *Validator) validHost(host string) bool {
	if host == "" {
		v.log.Warn("security.host.missing")
		return false
	}
	if matchAllowed(host, v.settings.AllowedHosts) {
		return true
	}
	v.log.Warn("security.host.reject", slog.String("host", host))
	return false
}

func (v *Validator) validOrigin(origin string) bool {
	// Origin can be absent for same-origin and non-browser requests.
	if origin == "" {
		return true
	}
	if matchAllowed(origin, v.settings.AllowedOrigins) {
		return true
	}
	v.log.Warn("security.origin.reject", slog.String("origin", origin))
	return false
}

func (v *Validator) validContentType(r *http.Request) bool {
	ct, err := contenttype.GetMediaType(r)
	if err != nil {
		v.log.Warn("security.content_type.invalid", slog.String("err", err.Error()))
		return false
	}
	if ct.Matches(tspMediaType) || ct.Matches(jsonMediaType) {
		return true
	}
	v.log.Warn("security.content_type.reject", slog.String("content_type", ct.String()))
	return false
}

// ValidateRequest checks a transport request. isPost distinguishes message
// delivery (POST) from stream establishment (GET); posts additionally
// require a sealed-envelope content type. A non-nil result means the caller
// must reject the request and perform no further state changes.
func (v *Validator) ValidateRequest(r *http.Request, isPost bool) *RequestError {
	if isPost && !v.validContentType(r) {
		return &RequestError{Status: http.StatusBadRequest, Message: "Invalid Content-Type header"}
	}

	if !v.settings.EnableDNSRebindingProtection {
		return nil
	}

	if !v.validHost(r.Host) {
		return &RequestError{Status: http.StatusMisdirectedRequest, Message: "Invalid Host header"}
	}
	if !v.validOrigin(r.Header.Get("Origin")) {
		return &RequestError{Status: http.StatusBadRequest, Message: "Invalid Origin header"}
	}
	return nil
}
