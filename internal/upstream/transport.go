package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling,
// optional DNS caching and a bounded connect phase. Set forceHTTP2 to true
// for remote HTTPS APIs, false for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool, connectTimeout time.Duration) *http.Transport {
	d := &net.Dialer{Timeout: connectTimeout}
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext:         d.DialContext,
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
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}
