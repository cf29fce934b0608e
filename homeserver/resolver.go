// Package homeserver finds where a Matrix server name accepts federation traffic. Discovery
// follows the server-server rules: explicit ports and IP literals are used as given, otherwise
// .well-known delegation, then _matrix-fed._tcp and _matrix._tcp SRV records, then port 8448.
package homeserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/meow-io/go-identd/config"
	"github.com/miekg/dns"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const wellKnownPath = "/.well-known/matrix/server"

var srvServices = []string{"_matrix-fed._tcp.", "_matrix._tcp."}

// Target is where to send federation requests for a server name. Domain is the
// name the peer's TLS certificate must be valid for.
type Target struct {
	URL    *url.URL
	Domain string
}

type Resolver interface {
	Resolve(ctx context.Context, domain string) (Target, error)
}

type FederationResolver struct {
	log         *zap.SugaredLogger
	http        *http.Client
	dns         *dns.Client
	dnsServer   string
	overrides   map[string]string
	wellKnown   bool
	defaultPort int
}

type Option func(*FederationResolver)

// WithHTTPClient sets the client used for .well-known requests.
func WithHTTPClient(client *http.Client) Option {
	return func(r *FederationResolver) {
		r.http = client
	}
}

func WithDNSServer(addr string) Option {
	return func(r *FederationResolver) {
		r.dnsServer = addr
	}
}

func NewFederationResolver(c *config.Config, opts ...Option) *FederationResolver {
	r := &FederationResolver{
		log:         c.Logger("homeserver"),
		http:        &http.Client{Timeout: c.Federation.Timeout},
		dns:         &dns.Client{Timeout: c.Federation.Timeout},
		dnsServer:   c.Federation.DNSServer,
		overrides:   c.Federation.Overrides,
		wellKnown:   c.Federation.WellKnown,
		defaultPort: c.Federation.DefaultPort,
	}
	if r.defaultPort == 0 {
		r.defaultPort = 8448
	}
	for _, o := range opts {
		o(r)
	}
	if r.dnsServer == "" {
		if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cc.Servers) > 0 {
			r.dnsServer = net.JoinHostPort(cc.Servers[0], cc.Port)
		} else {
			r.log.Warnf("no DNS server configured and /etc/resolv.conf unusable, SRV discovery disabled")
		}
	}
	return r
}

func (r *FederationResolver) Resolve(ctx context.Context, domain string) (Target, error) {
	if domain == "" {
		return Target{}, fmt.Errorf("homeserver: empty server name")
	}
	if raw, ok := r.overrides[domain]; ok {
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("homeserver: override for %s: %w", domain, err)
		}
		host, _, _ := splitHostPort(domain)
		return Target{URL: u, Domain: host}, nil
	}

	host, port, hasPort := splitHostPort(domain)
	if hasPort || net.ParseIP(host) != nil {
		if !hasPort {
			port = strconv.Itoa(r.defaultPort)
		}
		return r.target(host, port, host), nil
	}

	if r.wellKnown {
		delegated, err := r.wellKnownServer(ctx, host)
		if err != nil {
			r.log.Debugf("no usable .well-known for %s: %v", host, err)
		} else if delegated != "" {
			r.log.Debugf("%s delegates federation to %s", host, delegated)
			dhost, dport, dHasPort := splitHostPort(delegated)
			if dHasPort {
				return r.target(dhost, dport, dhost), nil
			}
			if net.ParseIP(dhost) != nil {
				return r.target(dhost, strconv.Itoa(r.defaultPort), dhost), nil
			}
			if target, port, ok := r.lookupSRV(ctx, dhost); ok {
				return r.target(target, port, dhost), nil
			}
			return r.target(dhost, strconv.Itoa(r.defaultPort), dhost), nil
		}
	}

	if target, port, ok := r.lookupSRV(ctx, host); ok {
		return r.target(target, port, host), nil
	}
	return r.target(host, strconv.Itoa(r.defaultPort), host), nil
}

func (r *FederationResolver) target(host, port, certDomain string) Target {
	return Target{
		URL:    &url.URL{Scheme: "https", Host: net.JoinHostPort(host, port)},
		Domain: certDomain,
	}
}

func (r *FederationResolver) wellKnownServer(ctx context.Context, host string) (string, error) {
	u := url.URL{Scheme: "https", Host: host, Path: wellKnownPath}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("invalid JSON")
	}
	server := gjson.GetBytes(body, `m\.server`)
	if server.Type != gjson.String {
		return "", fmt.Errorf("missing m.server")
	}
	return strings.TrimSpace(server.Str), nil
}

func (r *FederationResolver) lookupSRV(ctx context.Context, host string) (string, string, bool) {
	if r.dnsServer == "" {
		return "", "", false
	}
	for _, service := range srvServices {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(service+host), dns.TypeSRV)
		resp, _, err := r.dns.ExchangeContext(ctx, m, r.dnsServer)
		if err != nil {
			r.log.Debugf("SRV lookup %s%s failed: %v", service, host, err)
			continue
		}
		var records []*dns.SRV
		for _, rr := range resp.Answer {
			if srv, ok := rr.(*dns.SRV); ok && srv.Target != "." {
				records = append(records, srv)
			}
		}
		if len(records) == 0 {
			continue
		}
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Priority != records[j].Priority {
				return records[i].Priority < records[j].Priority
			}
			return records[i].Weight > records[j].Weight
		})
		best := records[0]
		return strings.TrimSuffix(best.Target, "."), strconv.Itoa(int(best.Port)), true
	}
	return "", "", false
}

// splitHostPort separates an optional port from a server name, removing IPv6
// brackets from the host.
func splitHostPort(s string) (string, string, bool) {
	if host, port, err := net.SplitHostPort(s); err == nil {
		return host, port, true
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"), "", false
}

// StaticResolver maps server names to fixed base URLs.
type StaticResolver map[string]Target

func (s StaticResolver) Resolve(_ context.Context, domain string) (Target, error) {
	t, ok := s[domain]
	if !ok {
		return Target{}, fmt.Errorf("homeserver: no target for %s", domain)
	}
	return t, nil
}
