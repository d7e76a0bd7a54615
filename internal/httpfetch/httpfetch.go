// Package httpfetch implements the http_fetch tool: allowlisted, SSRF-safe
// retrieval of per-id JSON records for sub-agent pre-fetch.
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/provider"
)

const (
	defaultTimeout  = 8 * time.Second
	defaultMaxBody  = 1 << 20 // 1 MiB response cap
	textTruncateAt  = 5000    // non-JSON bodies are cut here
	idPlaceholder   = "{id}"
	defaultMaxFetch = 3
)

// Options configure a Fetcher.
type Options struct {
	Allowlist   []string // host patterns, exact or "*.suffix"
	URLTemplate string   // must contain "{id}"
	MaxFetches  int      // ids fetched per call; default 3
	Timeout     time.Duration
	MaxBody     int64
}

// Fetcher retrieves records by id through the configured URL template.
// Requests are GET-only, hosts must match the allowlist, and DNS answers
// pointing at private, loopback, link-local, or ULA addresses are refused
// at dial time.
type Fetcher struct {
	opts Options
	http *http.Client
}

// New returns a Fetcher. The zero-value fields of opts receive defaults.
func New(opts Options) *Fetcher {
	t := provider.NewTransport(nil, false)
	t.DialContext = guardedDial(&dnscache.Resolver{})
	return newFetcher(opts, t)
}

// newFetcher finishes construction on a caller-supplied transport. The
// redirect check runs on every hop, so a 3xx from an allowlisted server
// cannot steer the GET to a host the template could not name.
func newFetcher(opts Options, rt http.RoundTripper) *Fetcher {
	if opts.MaxFetches <= 0 {
		opts.MaxFetches = defaultMaxFetch
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaultMaxBody
	}
	f := &Fetcher{opts: opts}
	f.http = &http.Client{
		Transport:     rt,
		Timeout:       opts.Timeout,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// guardedDial resolves through the cache and refuses answers pointing at
// forbidden address ranges before any connection is made.
func guardedDial(resolver *dnscache.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		for _, raw := range ips {
			ip := net.ParseIP(raw)
			if ip == nil || forbiddenIP(ip) {
				continue
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(raw, port))
		}
		return nil, fmt.Errorf("%w: %s resolves only to forbidden addresses", pilot.ErrFetchBlocked, host)
	}
}

// checkRedirect holds every redirect hop to the same scheme and allowlist
// rules as the original template-derived URL.
func (f *Fetcher) checkRedirect(req *http.Request, _ []*http.Request) error {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: redirect to scheme %q", pilot.ErrFetchBlocked, req.URL.Scheme)
	}
	if !hostAllowed(req.URL.Hostname(), f.opts.Allowlist) {
		return fmt.Errorf("%w: redirect to host %q not in allowlist", pilot.ErrFetchBlocked, req.URL.Hostname())
	}
	return nil
}

// Enabled reports whether the fetcher has a URL template to expand.
func (f *Fetcher) Enabled() bool { return f.opts.URLTemplate != "" }

// FetchIDs retrieves up to MaxFetches entries, one GET per id. Each entry
// reports either the parsed body or a per-id error; one blocked id does not
// abort the rest.
func (f *Fetcher) FetchIDs(ctx context.Context, ids []string) []map[string]any {
	if len(ids) > f.opts.MaxFetches {
		ids = ids[:f.opts.MaxFetches]
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entry := map[string]any{"id": id}
		body, status, err := f.fetchOne(ctx, id)
		if err != nil {
			entry["error"] = err.Error()
		} else {
			entry["status"] = status
			entry["body"] = body
		}
		out = append(out, entry)
	}
	return out
}

// fetchOne performs one guarded GET and decodes the body.
func (f *Fetcher) fetchOne(ctx context.Context, id string) (any, int, error) {
	raw := strings.ReplaceAll(f.opts.URLTemplate, idPlaceholder, url.PathEscape(id))
	u, err := url.Parse(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad url: %v", pilot.ErrFetchBlocked, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, 0, fmt.Errorf("%w: scheme %q", pilot.ErrFetchBlocked, u.Scheme)
	}
	if !hostAllowed(u.Hostname(), f.opts.Allowlist) {
		return nil, 0, fmt.Errorf("%w: host %q not in allowlist", pilot.ErrFetchBlocked, u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !contentTypeAllowed(ct) {
		return nil, resp.StatusCode, fmt.Errorf("%w: content-type %q", pilot.ErrFetchBlocked, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBody))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if strings.Contains(ct, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v, resp.StatusCode, nil
		}
	}
	if len(data) > textTruncateAt {
		data = data[:textTruncateAt]
	}
	return string(data), resp.StatusCode, nil
}

// hostAllowed matches host against the allowlist: exact names or
// "*.suffix" wildcards. An empty allowlist denies everything.
func hostAllowed(host string, allowlist []string) bool {
	host = strings.ToLower(host)
	for _, pat := range allowlist {
		pat = strings.ToLower(pat)
		if after, ok := strings.CutPrefix(pat, "*."); ok {
			if strings.HasSuffix(host, "."+after) || host == after {
				return true
			}
			continue
		}
		if host == pat {
			return true
		}
	}
	return false
}

// contentTypeAllowed accepts the JSON, text, and XML families.
func contentTypeAllowed(ct string) bool {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "json"),
		strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "xml"):
		return true
	}
	return false
}

// forbiddenIP rejects loopback, RFC1918, link-local, ULA, and unspecified
// addresses.
func forbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
