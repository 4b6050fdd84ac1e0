package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const largeTransferThresholdDefault = 10 * 1024 * 1024 // 10 MiB

// transports holds two connection pools: a general pool tuned for small
// request/response bodies, and a large-transfer pool for bodies over the
// size threshold.
type transports struct {
	general       *http.Client
	largeTransfer *http.Client
}

func newTransports() *transports {
	generalTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       2 * time.Minute,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	largeTransferTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     10 * time.Minute,
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{}, // HTTP/1.1 only
	}

	return &transports{
		general:       &http.Client{Transport: generalTransport},
		largeTransfer: &http.Client{Transport: largeTransferTransport},
	}
}

// isLargeTransfer applies the same heuristic used to pick a pool and a
// timeout.
func isLargeTransfer(contentLength int64, threshold int64) bool {
	if threshold <= 0 {
		threshold = largeTransferThresholdDefault
	}
	return contentLength > threshold
}

func (t *transports) clientFor(largeTransfer bool) *http.Client {
	if largeTransfer {
		return t.largeTransfer
	}
	return t.general
}
