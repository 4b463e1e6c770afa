package provider

import (
	"net"
	"net/http"
	"time"
)

// DefaultWorkflowTimeout bounds one workflow run, stream included.
const DefaultWorkflowTimeout = 5 * time.Minute

// SharedHTTPClient returns a pooled client for workflow traffic. The response
// header timeout is kept short since a streaming run answers headers first and
// then holds the body open.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultWorkflowTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: min(timeout, 60*time.Second),
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
