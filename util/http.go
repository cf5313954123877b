package util

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Routes retryablehttp logging into slog.
type LeveledSlog struct {
	inner *slog.Logger
}

// a failed attempt is usually retried, so it is not an error yet
func (l LeveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// retries are reported at debug level; surface them
func (l LeveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// Outbound client for scorer backends and content fetches. Transient failures (connection errors, 429 and 5xx other than 501) are retried up to three times, honoring Retry-After, and failed attempts are logged at WARN. Tracing wraps the retry loop, so a fetch is one span however many attempts it takes.
func RobustHTTPClient() *http.Client {
	return robustClient(nil)
}

// Same as RobustHTTPClient, but only dials public addresses. Content URLs come from submitters, so this is what the fetcher uses.
func PublicOnlyHTTPClient() *http.Client {
	return robustClient(PublicOnlyTransport())
}

func robustClient(transport http.RoundTripper) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledSlog{slog.Default().With("system", "http")})
	if transport != nil {
		retryClient.HTTPClient.Transport = transport
	}
	client := retryClient.StandardClient()
	client.Transport = otelhttp.NewTransport(client.Transport)
	client.Timeout = 20 * time.Second
	return client
}
