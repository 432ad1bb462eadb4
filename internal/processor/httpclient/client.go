// Package httpclient реализация контракта процессора поверх его HTTP API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignatzorin/escrow-engine/internal/processor"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ processor.Processor = (*Client)(nil)

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// Таймаут вызова задаёт контекст координатора, здесь только верхняя граница.
		http: &http.Client{Timeout: timeout * 2},
	}
}

func (c *Client) Capture(ctx context.Context, req processor.CaptureRequest) (processor.Result, error) {
	return c.do(ctx, http.MethodPost, "/v1/captures", req.IdempotencyKey, req)
}

func (c *Client) Transfer(ctx context.Context, req processor.TransferRequest) (processor.Result, error) {
	return c.do(ctx, http.MethodPost, "/v1/transfers", req.IdempotencyKey, req)
}

func (c *Client) Refund(ctx context.Context, req processor.RefundRequest) (processor.Result, error) {
	return c.do(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, req)
}

func (c *Client) Lookup(ctx context.Context, key string) (processor.Result, error) {
	return c.do(ctx, http.MethodGet, "/v1/operations/"+url.PathEscape(key), key, nil)
}

func (c *Client) do(ctx context.Context, method, path, key string, body any) (processor.Result, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return processor.Result{}, fmt.Errorf("processor: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return processor.Result{}, fmt.Errorf("processor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return processor.Result{}, ctxErr
		}
		return processor.Result{}, fmt.Errorf("%w: %v", processor.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return processor.Result{}, fmt.Errorf("%w: read body: %v", processor.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		result, err := decodeResult(raw)
		if err == nil && method != http.MethodGet && result.Status == processor.StatusFailed {
			return processor.Result{}, fmt.Errorf("%w: %s", processor.ErrDeclined, result.Reason)
		}
		return result, err
	case resp.StatusCode == http.StatusConflict:
		// Повтор с уже обработанным ключом считается успехом.
		result, err := decodeResult(raw)
		if err != nil {
			return processor.Result{}, err
		}
		result.AlreadyProcessed = true
		return result, nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return processor.Result{}, processor.ErrUnknownKey
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return processor.Result{}, fmt.Errorf("%w: %s", processor.ErrDeclined, reason(raw))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return processor.Result{}, fmt.Errorf("%w: status %d", processor.ErrUnavailable, resp.StatusCode)
	default:
		return processor.Result{}, fmt.Errorf("%w: unexpected status %d: %s", processor.ErrDeclined, resp.StatusCode, reason(raw))
	}
}

func decodeResult(raw []byte) (processor.Result, error) {
	var result processor.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return processor.Result{}, fmt.Errorf("%w: decode response: %v", processor.ErrUnavailable, err)
	}
	if result.Status == "" {
		result.Status = processor.StatusSucceeded
	}
	return result, nil
}

func reason(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
