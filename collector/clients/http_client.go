package clients

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const maxLoggedBodyBytes = 512

type Options struct {
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryCount     int
	Header         map[string]string
}

// HttpClient is the shared outbound http client of the collectors. It bounds
// every request by its own connect and read timeouts, independent of the
// caller's context deadline.
type HttpClient struct {
	client *resty.Client
}

func NewDefaultHttpClient() *HttpClient {
	return NewHttpClient(Options{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
	})
}

func NewHttpClient(opts Options) *HttpClient {
	client := resty.New()
	if opts.ConnectTimeout > 0 {
		client.SetTransport(&http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
			TLSHandshakeTimeout: opts.ConnectTimeout,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		})
	}
	if opts.ReadTimeout > 0 {
		client.SetTimeout(opts.ReadTimeout)
	}
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	client.SetHeaders(opts.Header)
	if opts.RetryCount > 0 {
		client.SetRetryCount(opts.RetryCount).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				// only retry what a second attempt can fix
				return err == nil && (r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500)
			})
	}
	return &HttpClient{client: client}
}

// HttpStatusError is returned for non 2xx responses.
type HttpStatusError struct {
	Url        string
	StatusCode int
	Body       string
}

func (e *HttpStatusError) Error() string {
	return fmt.Sprintf("non-200 http code %d from %s", e.StatusCode, e.Url)
}

func (c *HttpClient) Get(ctx context.Context, uri string) (*resty.Response, error) {
	return c.GetWithQueryParams(ctx, uri, nil)
}

// This method takes in an additional map from query key to query value, which
// will be appended to query uri as ?${KEY}=${VALUE}
func (c *HttpClient) GetWithQueryParams(ctx context.Context, uri string, params map[string]string) (*resty.Response, error) {
	res, err := c.Request(ctx).
		SetQueryParams(params).
		Get(uri)
	return CheckResponse("GET", uri, res, err)
}

// Request starts a request bound to ctx, for callers that need more than a
// plain GET.
func (c *HttpClient) Request(ctx context.Context) *resty.Request {
	return c.client.R().SetContext(ctx)
}

// CheckResponse turns a non 2xx response into *HttpStatusError.
func CheckResponse(method, uri string, res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return nil, fmt.Errorf("HTTP %s failed %w", method, err)
	}
	if IsNon200HttpResponse(res) {
		MaybeLogNon200HttpError(res)
		return nil, &HttpStatusError{Url: uri, StatusCode: res.StatusCode(), Body: string(res.Body())}
	}
	return res, nil
}

// Log http response if the error code is not 2XX
func MaybeLogNon200HttpError(res *resty.Response) {
	if !IsNon200HttpResponse(res) {
		return
	}
	body := res.Body()
	if len(body) > maxLoggedBodyBytes {
		body = body[:maxLoggedBodyBytes]
	}
	Logger.LogV2.WithField("url", res.Request.URL).
		Warn(fmt.Sprintf("non-200 http code: %d, response body is: %s", res.StatusCode(), string(body)))
}

func IsNon200HttpResponse(res *resty.Response) bool {
	return res.StatusCode() >= 300
}
