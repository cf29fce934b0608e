package homeserver

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientFactory builds the HTTP client used to talk to one target.
type ClientFactory func(target Target) *http.Client

// NewClient returns a client that only accepts a certificate valid for
// target.Domain, whatever host the target URL names. base, if set, supplies
// root CAs and other TLS settings. Each client is short-lived, so its
// connections are not kept alive.
func NewClient(target Target, base *tls.Config, timeout time.Duration) *http.Client {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		tlsConfig = base.Clone()
	}
	tlsConfig.ServerName = target.Domain
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	transport.DisableKeepAlives = true
	return &http.Client{Transport: transport, Timeout: timeout}
}

func PinnedClientFactory(base *tls.Config, timeout time.Duration) ClientFactory {
	return func(target Target) *http.Client {
		return NewClient(target, base, timeout)
	}
}
