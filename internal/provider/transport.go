// Package provider contains the HTTP plumbing shared by the gateway client
// and the http_fetch tool: transport construction, bearer auth, and
// usage-header parsing.
package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. When a resolver is supplied, hostnames are resolved
// through it and the connection dials the first returned IP.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// BearerTransport injects an Authorization: Bearer header on every request.
type BearerTransport struct {
	Token string
	Base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (bt *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := bt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+bt.Token)
	return base.RoundTrip(out)
}

// NewGatewayClient builds the HTTP client used for all gateway calls:
// pooled transport, cached DNS, bearer auth in the transport chain.
func NewGatewayClient(apiKey string) *http.Client {
	resolver := &dnscache.Resolver{}
	return &http.Client{
		Transport: &BearerTransport{Token: apiKey, Base: NewTransport(resolver, true)},
	}
}
