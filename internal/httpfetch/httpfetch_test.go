package httpfetch

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// localFetcher wires a Fetcher straight onto the default transport so an
// httptest server can stand in for the remote record store. The production
// dial guard refuses loopback, which is exactly where httptest listens.
func localFetcher(t *testing.T, srv *httptest.Server, opts Options) *Fetcher {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	if len(opts.Allowlist) == 0 {
		opts.Allowlist = []string{u.Hostname()}
	}
	if opts.URLTemplate == "" {
		opts.URLTemplate = srv.URL + "/records/{id}"
	}
	return newFetcher(opts, http.DefaultTransport)
}

func TestHostAllowed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		host      string
		allowlist []string
		want      bool
	}{
		{"api.example.com", []string{"api.example.com"}, true},
		{"API.Example.COM", []string{"api.example.com"}, true},
		{"evil.com", []string{"api.example.com"}, false},
		{"sub.example.com", []string{"*.example.com"}, true},
		{"deep.sub.example.com", []string{"*.example.com"}, true},
		{"example.com", []string{"*.example.com"}, true},
		{"notexample.com", []string{"*.example.com"}, false},
		{"api.example.com", nil, false},
	}
	for _, tc := range cases {
		if got := hostAllowed(tc.host, tc.allowlist); got != tc.want {
			t.Errorf("hostAllowed(%q, %v) = %v, want %v", tc.host, tc.allowlist, got, tc.want)
		}
	}
}

func TestContentTypeAllowed(t *testing.T) {
	t.Parallel()

	allowed := []string{
		"application/json",
		"application/json; charset=utf-8",
		"text/plain",
		"text/html",
		"application/xml",
	}
	for _, ct := range allowed {
		if !contentTypeAllowed(ct) {
			t.Errorf("contentTypeAllowed(%q) = false", ct)
		}
	}
	denied := []string{"application/octet-stream", "image/png", ""}
	for _, ct := range denied {
		if contentTypeAllowed(ct) {
			t.Errorf("contentTypeAllowed(%q) = true", ct)
		}
	}
}

func TestForbiddenIP(t *testing.T) {
	t.Parallel()

	forbidden := []string{"127.0.0.1", "10.0.0.5", "192.168.1.1", "172.16.0.1", "169.254.1.1", "0.0.0.0", "::1"}
	for _, raw := range forbidden {
		if !forbiddenIP(net.ParseIP(raw)) {
			t.Errorf("forbiddenIP(%s) = false", raw)
		}
	}
	public := []string{"93.184.216.34", "2606:2800:220:1::1"}
	for _, raw := range public {
		if forbiddenIP(net.ParseIP(raw)) {
			t.Errorf("forbiddenIP(%s) = true", raw)
		}
	}
}

func TestEnabledRequiresTemplate(t *testing.T) {
	t.Parallel()

	if New(Options{}).Enabled() {
		t.Error("enabled without a template")
	}
	if !New(Options{URLTemplate: "https://api.example.com/records/{id}"}).Enabled() {
		t.Error("not enabled with a template")
	}
}

func TestFetchIDsCapsAtMaxFetches(t *testing.T) {
	t.Parallel()

	// The empty allowlist denies every host, so each attempted id yields a
	// per-entry error without touching the network.
	f := New(Options{URLTemplate: "https://api.example.com/records/{id}", MaxFetches: 2})
	got := f.FetchIDs(context.Background(), []string{"a", "b", "c", "d"})
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	for _, e := range got {
		msg, _ := e["error"].(string)
		if !strings.Contains(msg, "allowlist") {
			t.Errorf("entry = %v, want allowlist error", e)
		}
	}
}

func TestFetchOneParsesJSONBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"a","status":"open"}`))
	}))
	defer srv.Close()

	got := localFetcher(t, srv, Options{}).FetchIDs(context.Background(), []string{"a"})
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0]["status"] != 200 {
		t.Errorf("status = %v", got[0]["status"])
	}
	body, ok := got[0]["body"].(map[string]any)
	if !ok || body["status"] != "open" {
		t.Errorf("body = %v, want parsed JSON object", got[0]["body"])
	}
}

func TestFetchOneTruncatesTextBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", textTruncateAt+500)))
	}))
	defer srv.Close()

	got := localFetcher(t, srv, Options{}).FetchIDs(context.Background(), []string{"a"})
	body, ok := got[0]["body"].(string)
	if !ok {
		t.Fatalf("body = %T, want string", got[0]["body"])
	}
	if len(body) != textTruncateAt {
		t.Errorf("body length = %d, want truncated to %d", len(body), textTruncateAt)
	}
}

func TestFetchOneCapsBodyRead(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("y", 100)))
	}))
	defer srv.Close()

	got := localFetcher(t, srv, Options{MaxBody: 10}).FetchIDs(context.Background(), []string{"a"})
	body, _ := got[0]["body"].(string)
	if len(body) != 10 {
		t.Errorf("body length = %d, want the 10-byte cap", len(body))
	}
}

func TestFetchOneDeniesContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x1f, 0x8b})
	}))
	defer srv.Close()

	got := localFetcher(t, srv, Options{}).FetchIDs(context.Background(), []string{"a"})
	msg, _ := got[0]["error"].(string)
	if !strings.Contains(msg, "content-type") {
		t.Errorf("entry = %v, want content-type error", got[0])
	}
}

func TestFetchOneRefusesOffAllowlistRedirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://evil.example.com/steal", http.StatusFound)
	}))
	defer srv.Close()

	got := localFetcher(t, srv, Options{}).FetchIDs(context.Background(), []string{"a"})
	msg, _ := got[0]["error"].(string)
	if !strings.Contains(msg, "allowlist") {
		t.Errorf("entry = %v, want the redirect hop refused", got[0])
	}
}

func TestFetchOneFollowsAllowlistedRedirect(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/records/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusFound)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got := localFetcher(t, srv, Options{}).FetchIDs(context.Background(), []string{"a"})
	body, ok := got[0]["body"].(map[string]any)
	if !ok || body["ok"] != true {
		t.Errorf("entry = %v, want the same-host redirect followed", got[0])
	}
}

func TestFetchIDsRejectsBadScheme(t *testing.T) {
	t.Parallel()

	f := New(Options{
		URLTemplate: "file:///etc/records/{id}",
		Allowlist:   []string{""},
	})
	got := f.FetchIDs(context.Background(), []string{"a"})
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	msg, _ := got[0]["error"].(string)
	if !strings.Contains(msg, "scheme") {
		t.Errorf("entry = %v, want scheme error", got[0])
	}
}
