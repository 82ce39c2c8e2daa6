// Package transport builds the shared upstream HTTP client from the proxy
// policy and exposes the timeout signature used to decide when a config
// change requires rebuilding the client.
package transport

import (
	"net"
	"net/http"
	"time"

	"spg/config"
)

// Pool limits for the upstream client.
const (
	maxConnections          = 100
	maxKeepaliveConnections = 20
	idleConnTimeout         = 90 * time.Second
	keepAliveInterval       = 30 * time.Second
)

// Signature is the (connect, read, write) timeout triple last used to build
// the upstream client. Two configs with equal signatures share a client.
type Signature struct {
	Connect float64
	Read    float64
	Write   float64
}

// SignatureOf derives the client signature from a timeout tuple.
func SignatureOf(t config.Timeout) Signature {
	return Signature{Connect: t.Connect, Read: t.Read, Write: t.Write}
}

// NewClient creates the upstream client for a proxy policy. The connect
// timeout bounds the dial, the read timeout bounds the wait for response
// headers, and redirects are passed through to the caller verbatim. The
// write timeout has no dedicated knob on http.Transport; it participates in
// the signature so timeout edits still rebuild the client.
func NewClient(policy config.ProxyPolicy) *http.Client {
	t := policy.Timeout
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   t.ConnectDuration(),
			KeepAlive: keepAliveInterval,
		}).DialContext,
		ResponseHeaderTimeout: t.ReadDuration(),
		TLSHandshakeTimeout:   t.ConnectDuration(),
		ExpectContinueTimeout: 1 * time.Second,
		MaxConnsPerHost:       maxConnections,
		MaxIdleConns:          maxConnections,
		MaxIdleConnsPerHost:   maxKeepaliveConnections,
		IdleConnTimeout:       idleConnTimeout,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
