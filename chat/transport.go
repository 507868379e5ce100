package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"reactsql/stream"
)

// StreamPath is where the producer serves the event stream.
const StreamPath = "/api/v1/chat/stream"

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 4 * 1024

// Transport opens one event stream for a question. Every call starts the turn
// from scratch on the producer: there is no resume cursor.
type Transport interface {
	Open(ctx context.Context, question string) (io.ReadCloser, error)
}

// ErrNotEventStream is returned when the producer answers with something other
// than an event stream. It is not retried.
var ErrNotEventStream = errors.New("response is not an event stream")

// ResponseError is a non-2xx answer from the producer.
type ResponseError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("producer returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("producer returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *ResponseError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// TransportError is a connection-level failure of one attempt.
type TransportError struct {
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport attempt %d: %v", e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// retryable reports whether err is worth another connection attempt.
func retryable(err error) bool {
	var statusErr *ResponseError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, ErrNotEventStream)
}

// HTTPTransport posts the question as JSON and returns the streamed body.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	logger   *logrus.Entry
}

// NewHTTPTransport returns a transport talking to the producer at serverURL.
// A nil client means http.DefaultClient; it must not set a Timeout, since
// streams legitimately stay open for minutes.
func NewHTTPTransport(serverURL string, client *http.Client, logger *logrus.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(serverURL, "/") + StreamPath
	return &HTTPTransport{
		client:   client,
		endpoint: endpoint,
		logger:   logger.WithFields(logrus.Fields{"component": "http_transport", "endpoint": endpoint}),
	}
}

type questionRequest struct {
	Question string `json:"question"`
}

// Open implements Transport.
func (t *HTTPTransport) Open(ctx context.Context, question string) (io.ReadCloser, error) {
	body, err := json.Marshal(questionRequest{Question: question})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", stream.ContentType)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &ResponseError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != stream.ContentType {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: content type %q", ErrNotEventStream, resp.Header.Get("Content-Type"))
	}

	t.logger.WithField("status", resp.StatusCode).Debug("Event stream opened")
	return resp.Body, nil
}
