package resilience

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mymelodiess/food-delivery-microservices/internal/logging"
)

// DefaultTimeout is the default timeout for downstream HTTP requests
const DefaultTimeout = 3 * time.Second

// ClientOptions configures a pooled downstream client.
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	// Headers are sent on every request.
	Headers map[string]string
}

// NewClient returns a resty client that retries transport errors and 5xx/429 answers
// with bounded exponential backoff. One client is shared per downstream service.
func NewClient(opts ClientOptions) *resty.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 100 * time.Millisecond
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}

	return resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(opts.Headers).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(8 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return r == nil || r.Request == nil || r.Request.Context().Err() == nil
			}
			return r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
		}).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if id := logging.RequestIDFromContext(r.Context()); id != "" {
				r.SetHeader(logging.RequestIDHeader, id)
			}
			return nil
		})
}
