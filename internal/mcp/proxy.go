package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/sony/gobreaker"
)

// Kind is a proxied request type; its value is the backend path.
type Kind string

const (
	KindTools              Kind = "tools"
	KindInvokeTool         Kind = "invoke_tool"
	KindRoutingDescription Kind = "routing_description"
)

const (
	maxResponseBytes = 10 << 20
	retryDelay       = 100 * time.Millisecond

	breakerFailures = 5
	breakerOpenFor  = 30 * time.Second
)

// Path returns the backend path for k.
func (k Kind) Path() string {
	return "/" + string(k)
}

// Response is a backend reply passed back to the caller unchanged.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// statusError marks a 5xx reply so the breaker counts it as a failure.
type statusError struct {
	resp *Response
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d", e.resp.Status)
}

// Forwarder issues proxied requests with a timeout, a single retry on
// transient network failures, and a circuit breaker per backend.
type Forwarder struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewForwarder creates a forwarder for the given backends.
func NewForwarder(timeout time.Duration, backends []domain.Backend) *Forwarder {
	f := &Forwarder{
		client:   &http.Client{Timeout: timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(backends)),
	}
	for _, b := range backends {
		f.breakers[b.Name] = newBreaker(b.Name)
	}
	return f
}

// Open after 5 consecutive failures, then probe with one request after 30s.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logx.Warn().Str("backend", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// State returns the breaker state for a backend name.
func (f *Forwarder) State(name string) string {
	return f.breaker(name).State().String()
}

func (f *Forwarder) breaker(name string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[name]
	if !ok {
		cb = newBreaker(name)
		f.breakers[name] = cb
	}
	return cb
}

// Forward sends body to the backend path for kind. Only 2xx replies are
// returned; anything else becomes an error carrying the upstream reason.
func (f *Forwarder) Forward(ctx context.Context, b domain.Backend, kind Kind, body []byte) (*Response, error) {
	out, err := f.breaker(b.Name).Execute(func() (interface{}, error) {
		resp, err := f.doWithRetry(ctx, b, kind, body)
		if err != nil {
			return nil, err
		}
		if resp.Status >= http.StatusInternalServerError {
			return nil, &statusError{resp: resp}
		}
		return resp, nil
	})

	var se *statusError
	switch {
	case errors.As(err, &se):
		return nil, upstreamStatus(b, se.resp)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, errx.Unavailable(err, fmt.Sprintf("upstream %s circuit open", b.Name))
	case err != nil:
		return nil, errx.Upstream(err, fmt.Sprintf("upstream %s unreachable", b.Name))
	}

	resp, _ := out.(*Response)
	if resp == nil {
		return nil, errx.Upstream(errors.New("empty response"), fmt.Sprintf("upstream %s unreachable", b.Name))
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, upstreamStatus(b, resp)
	}
	return resp, nil
}

func (f *Forwarder) doWithRetry(ctx context.Context, b domain.Backend, kind Kind, body []byte) (*Response, error) {
	resp, err := f.do(ctx, b, kind, body)
	if err == nil || !isTransient(ctx, err) {
		return resp, err
	}

	logx.Warn().Err(err).Str("backend", b.Name).Str("kind", string(kind)).Msg("transient upstream failure, retrying once")

	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.do(ctx, b, kind, body)
}

func (f *Forwarder) do(ctx context.Context, b domain.Backend, kind Kind, body []byte) (*Response, error) {
	url := strings.TrimRight(b.BaseURL, "/") + kind.Path()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		Status:      res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func upstreamStatus(b domain.Backend, resp *Response) error {
	reason := strings.TrimSpace(string(resp.Body))
	if reason == "" {
		reason = http.StatusText(resp.Status)
	}
	return errx.New(nil, http.StatusBadGateway, fmt.Sprintf("upstream %s returned %d: %s", b.Name, resp.Status, reason))
}

// isTransient reports network failures worth one more attempt. Caller
// cancellation is never retried.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
