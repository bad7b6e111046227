// Package ledger holds adapters for the external anchoring ledger. The
// remote network is opaque; adapters only translate transport outcomes into
// the transient/permanent classification the outbox retry policy needs.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"freightd/internal/domain"
)

const defaultCallTimeout = 5 * time.Second

// HTTPClient speaks JSON over HTTP to a ledger gateway. Every submission
// carries an Idempotency-Key header so the gateway deduplicates retries whose
// prior outcome was lost.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration, client *http.Client) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ledger base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("ledger base url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{baseURL: baseURL, client: client, timeout: timeout}, nil
}

type submitRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	Handle string `json:"handle"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *HTTPClient) Submit(ctx context.Context, payload json.RawMessage, idempotencyKey string) (string, error) {
	if len(payload) == 0 {
		return "", &domain.LedgerError{Code: domain.LedgerErrorBadPayload, Permanent: true, Err: errors.New("empty payload")}
	}
	if idempotencyKey == "" {
		return "", &domain.LedgerError{Code: domain.LedgerErrorBadPayload, Permanent: true, Err: errors.New("idempotency key is required")}
	}

	body, err := json.Marshal(submitRequest{Payload: payload})
	if err != nil {
		return "", &domain.LedgerError{Code: domain.LedgerErrorBadPayload, Permanent: true, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/submissions", bytes.NewReader(body))
	if err != nil {
		return "", &domain.LedgerError{Code: domain.LedgerErrorBadPayload, Permanent: true, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatusCode(resp.StatusCode); err != nil {
		return "", err
	}
	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &domain.LedgerError{Code: domain.LedgerErrorUnavailable, Err: err}
	}
	if decoded.Handle == "" {
		return "", &domain.LedgerError{Code: domain.LedgerErrorUnavailable, Err: errors.New("missing handle in response")}
	}
	return decoded.Handle, nil
}

func (c *HTTPClient) QueryStatus(ctx context.Context, handle string) (domain.LedgerSubmissionStatus, error) {
	if handle == "" {
		return "", &domain.LedgerError{Code: domain.LedgerErrorBadPayload, Permanent: true, Err: errors.New("handle is required")}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/v1/submissions/"+url.PathEscape(handle), nil)
	if err != nil {
		return "", &domain.LedgerError{Code: domain.LedgerErrorBadPayload, Permanent: true, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatusCode(resp.StatusCode); err != nil {
		return "", err
	}
	var decoded statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &domain.LedgerError{Code: domain.LedgerErrorUnavailable, Err: err}
	}
	switch domain.LedgerSubmissionStatus(decoded.Status) {
	case domain.LedgerStatusConfirmed:
		return domain.LedgerStatusConfirmed, nil
	case domain.LedgerStatusPending:
		return domain.LedgerStatusPending, nil
	case domain.LedgerStatusRejected:
		return domain.LedgerStatusRejected, nil
	default:
		return "", &domain.LedgerError{Code: domain.LedgerErrorUnavailable, Err: fmt.Errorf("unknown status %q", decoded.Status)}
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.LedgerError{Code: domain.LedgerErrorTimeout, Err: err}
	}
	return &domain.LedgerError{Code: domain.LedgerErrorNetwork, Err: err}
}

// classifyStatusCode maps a gateway response code onto the retry taxonomy:
// timeouts, throttling and server-side failures are transient; any other 4xx
// means the request itself is unacceptable and will never succeed.
func classifyStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout:
		return &domain.LedgerError{Code: domain.LedgerErrorTimeout, Err: fmt.Errorf("http %d", code)}
	case code == http.StatusTooManyRequests:
		return &domain.LedgerError{Code: domain.LedgerErrorRateLimit, Err: fmt.Errorf("http %d", code)}
	case code >= 500:
		return &domain.LedgerError{Code: domain.LedgerErrorUnavailable, Err: fmt.Errorf("http %d", code)}
	default:
		return &domain.LedgerError{Code: domain.LedgerErrorRejected, Permanent: true, Err: fmt.Errorf("http %d", code)}
	}
}
