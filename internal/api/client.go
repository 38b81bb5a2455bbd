package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"match-sync/internal/constants"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound means the source has no record of the requested match.
	ErrNotFound = errors.New("not found")

	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrPacing means the local limiter refused the request before it reached the source.
	ErrPacing = errors.New("request pacing")
)

// httpClient is shared by the source implementations. The limiter paces every request of
// one source, whether issued by a sync or by enrichment.
type httpClient struct {
	client  *fasthttp.Client
	limiter *rate.Limiter
}

func newHTTPClient(requestsPerMinute int) *httpClient {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &httpClient{
		client: &fasthttp.Client{
			MaxConnsPerHost:     100,
			ReadTimeout:         constants.ExternalAPITimeout,
			WriteTimeout:        constants.ExternalAPITimeout,
			MaxIdleConnDuration: 1 * time.Minute,
		},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

// doRequest performs a paced GET and decodes the body into T. The raw body is returned as an
// independent copy.
func doRequest[T any](ctx context.Context, c *httpClient, url string, onResponse func(*fasthttp.Response)) (*T, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to wait for request slot: %w", ErrPacing, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(constants.ExternalAPITimeout)
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}

	if onResponse != nil {
		onResponse(resp)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return nil, nil, ErrNotFound
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode())
	}

	raw := append([]byte(nil), resp.Body()...)

	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, raw, nil
}
