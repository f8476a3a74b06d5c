package transportsecurity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRequest(t *testing.T, method, host, origin, contentType string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, "http://"+host+"/messages", nil)
	r.Host = host
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	return r
}

func TestDisabledProtectionAllowsAnyHost(t *testing.T) {
	v := NewValidator(Settings{})
	r := newRequest(t, http.MethodGet, "evil.example.com", "http://evil.example.com", "")
	if rerr := v.ValidateRequest(r, false); rerr != nil {
		t.Fatalf("ValidateRequest() = %+v, want nil with protection disabled", rerr)
	}
}

func TestHostAllowList(t *testing.T) {
	v := NewValidator(Settings{
		EnableDNSRebindingProtection: true,
		AllowedHosts:                 []string{"localhost:*", "api.example.com"},
	})

	cases := []struct {
		host string
		ok   bool
	}{
		{"localhost:8080", true},
		{"localhost:1234", true},
		{"api.example.com", true},
		{"api.example.com:443", false},
		{"evil.example.com", false},
		{"localhost.evil.com", false},
	}
	for _, tc := range cases {
		r := newRequest(t, http.MethodGet, tc.host, "", "")
		rerr := v.ValidateRequest(r, false)
		if tc.ok && rerr != nil {
			t.Errorf("host %q rejected: %+v", tc.host, rerr)
		}
		if !tc.ok {
			if rerr == nil {
				t.Errorf("host %q accepted, want rejection", tc.host)
			} else if rerr.Status != http.StatusMisdirectedRequest {
				t.Errorf("host %q status = %d, want 421", tc.host, rerr.Status)
			}
		}
	}
}

func TestOriginAllowList(t *testing.T) {
	v := NewValidator(LocalSettings())

	r := newRequest(t, http.MethodGet, "localhost:9090", "http://localhost:3000", "")
	if rerr := v.ValidateRequest(r, false); rerr != nil {
		t.Fatalf("wildcard-port origin rejected: %+v", rerr)
	}

	r = newRequest(t, http.MethodGet, "localhost:9090", "http://attacker.test", "")
	rerr := v.ValidateRequest(r, false)
	if rerr == nil {
		t.Fatal("foreign origin accepted, want rejection")
	}
	if rerr.Status != http.StatusBadRequest {
		t.Fatalf("foreign origin status = %d, want 400", rerr.Status)
	}

	// Absent Origin is fine (same-origin and non-browser clients).
	r = newRequest(t, http.MethodGet, "localhost:9090", "", "")
	if rerr := v.ValidateRequest(r, false); rerr != nil {
		t.Fatalf("absent origin rejected: %+v", rerr)
	}
}

func TestPostContentType(t *testing.T) {
	v := NewValidator(Settings{})

	for _, ct := range []string{"application/tsp", "application/json", "application/json; charset=utf-8"} {
		r := newRequest(t, http.MethodPost, "localhost:9090", "", ct)
		if rerr := v.ValidateRequest(r, true); rerr != nil {
			t.Errorf("content-type %q rejected: %+v", ct, rerr)
		}
	}

	for _, ct := range []string{"", "text/plain", "application/xml"} {
		r := newRequest(t, http.MethodPost, "localhost:9090", "", ct)
		rerr := v.ValidateRequest(r, true)
		if rerr == nil {
			t.Errorf("content-type %q accepted, want rejection", ct)
			continue
		}
		if rerr.Status != http.StatusBadRequest {
			t.Errorf("content-type %q status = %d, want 400", ct, rerr.Status)
		}
	}
}
