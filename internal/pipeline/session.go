package pipeline

import (
	"net"
	"net/http"
	"time"
)

// SessionFactory builds an independent HTTP client. Every call must return a
// client with its own connection pool so a broken stream can be retried on a
// clean one.
type SessionFactory func() *http.Client

// NewSessionFactory returns a factory whose clients time out on dial and on
// waiting for response headers, but never on reading a long body.
func NewSessionFactory(timeout time.Duration) SessionFactory {
	return func() *http.Client {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if timeout > 0 {
			transport.DialContext = (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext
			transport.ResponseHeaderTimeout = timeout
			transport.TLSHandshakeTimeout = timeout
		}
		return &http.Client{Transport: transport}
	}
}
