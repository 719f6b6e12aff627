// Package clients provides the HTTP clients used for feed downloads and
// boundary requests.
package clients

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/notesync/pkg/errors"
)

// UserAgent identifies notesync to upstream services.
const UserAgent = "notesync/1.0 (+https://github.com/ajitpratap0/notesync)"

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	EnableHTTP2           bool
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	// RequestTimeout bounds a whole exchange including the body; zero means none
	RequestTimeout time.Duration
	KeepAlive      time.Duration

	// Transport-level retries, used only by the retryable client
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultHTTPConfig returns default configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		RequestTimeout:        30 * time.Second,
		KeepAlive:             30 * time.Second,
		RetryMax:              4,
		RetryWaitMin:          time.Second,
		RetryWaitMax:          30 * time.Second,
	}
}

// newTransport builds the shared transport.
func newTransport(config *HTTPConfig, logger *zap.Logger) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}
	return transport
}

// NewHTTPClient creates a plain client. Callers that need retries wrap
// their calls in a retry policy so they can also re-acquire gate slots.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *http.Client {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	logger = logger.With(zap.String("component", "http_client"))

	return &http.Client{
		Transport: newTransport(config, logger),
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// NewRetryableClient creates a client that retries connection errors and
// 429/5xx responses at the transport level. Used for large downloads where
// a single GET has no other coordination around it.
func NewRetryableClient(config *HTTPConfig, logger *zap.Logger) *retryablehttp.Client {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	logger = logger.With(zap.String("component", "retryable_http_client"))

	rc := retryablehttp.NewClient()
	rc.HTTPClient = NewHTTPClient(config, logger)
	rc.RetryMax = config.RetryMax
	rc.RetryWaitMin = config.RetryWaitMin
	rc.RetryWaitMax = config.RetryWaitMax
	rc.Logger = &leveledLogger{s: logger.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l *leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l *leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l *leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)

// StatusError classifies a non-2xx response. It reads (and discards) up to
// 512 bytes of the body for the message.
func StatusError(resp *http.Response) *errors.Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	e := errors.Newf(ClassifyStatus(resp.StatusCode), "unexpected HTTP status %d", resp.StatusCode).
		WithDetail("status", resp.StatusCode).
		WithDetail("body", string(snippet))
	if resp.Request != nil && resp.Request.URL != nil {
		e = e.WithDetail("url", resp.Request.URL.Redacted())
	}
	return e
}

// ClassifyStatus maps an HTTP status to an error type. Throttling and
// gateway overload are rate-limit errors, other 5xx are connection errors.
func ClassifyStatus(code int) errors.ErrorType {
	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return errors.ErrorTypeRateLimit
	case code == http.StatusRequestTimeout:
		return errors.ErrorTypeTimeout
	case code >= 500:
		return errors.ErrorTypeConnection
	case code == http.StatusUnauthorized:
		return errors.ErrorTypeAuthentication
	case code == http.StatusForbidden:
		return errors.ErrorTypePermission
	case code == http.StatusNotFound:
		return errors.ErrorTypeNotFound
	default:
		return errors.ErrorTypeFetch
	}
}

// ClassifyTransportError maps a failed round trip to an error type.
func ClassifyTransportError(err error) errors.ErrorType {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrorTypeTimeout
	}
	return errors.ErrorTypeConnection
}
