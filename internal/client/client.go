// Package client talks to a running furrowd over its unix socket.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/croftlabs/furrow/internal/api"
)

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return get[api.HealthResponse](ctx, c, "/v1/health")
}

func (c *Client) Status(ctx context.Context) (api.StatusEnvelope, error) {
	return get[api.StatusEnvelope](ctx, c, "/v1/status")
}

func (c *Client) Settings(ctx context.Context) (api.SettingsEnvelope, error) {
	return get[api.SettingsEnvelope](ctx, c, "/v1/settings")
}

func (c *Client) UpdateSettings(ctx context.Context, patch api.SettingsPatchRequest) (api.SettingsEnvelope, error) {
	return do[api.SettingsEnvelope](ctx, c, http.MethodPatch, "/v1/settings", patch)
}

func (c *Client) Queue(ctx context.Context) (api.QueueEnvelope, error) {
	return get[api.QueueEnvelope](ctx, c, "/v1/queue")
}

func (c *Client) DeadLetters(ctx context.Context) (api.QueueEnvelope, error) {
	return get[api.QueueEnvelope](ctx, c, "/v1/queue/dead")
}

func (c *Client) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (api.EnqueueResponse, error) {
	if strings.TrimSpace(kind) == "" {
		return api.EnqueueResponse{}, fmt.Errorf("action kind is required")
	}
	return do[api.EnqueueResponse](ctx, c, http.MethodPost, "/v1/queue", api.EnqueueRequest{Kind: kind, Payload: payload})
}

func (c *Client) Requeue(ctx context.Context, id string) (api.QueueEnvelope, error) {
	if strings.TrimSpace(id) == "" {
		return api.QueueEnvelope{}, fmt.Errorf("action id is required")
	}
	return do[api.QueueEnvelope](ctx, c, http.MethodPost, "/v1/queue/requeue", api.RequeueRequest{ID: id})
}

func (c *Client) Sync(ctx context.Context) (api.SyncResponse, error) {
	return do[api.SyncResponse](ctx, c, http.MethodPost, "/v1/sync", nil)
}

func (c *Client) WorkerVersion(ctx context.Context) (api.WorkerVersionEnvelope, error) {
	return get[api.WorkerVersionEnvelope](ctx, c, "/v1/worker/version")
}

func (c *Client) ApplyWorkerUpdate(ctx context.Context) (api.ApplyUpdateResponse, error) {
	return do[api.ApplyUpdateResponse](ctx, c, http.MethodPost, "/v1/worker/apply-update", nil)
}

func (c *Client) ShowInstallPrompt(ctx context.Context) (api.PromptShowResponse, error) {
	return do[api.PromptShowResponse](ctx, c, http.MethodPost, "/v1/prompt/show", nil)
}

// Watch streams daemon events until ctx is cancelled, the stream ends,
// or onLine returns an error.
func (c *Client) Watch(ctx context.Context, onLine func(api.WatchLine) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/watch", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return decodeError(resp.StatusCode, payload)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		if onLine == nil {
			continue
		}
		if err := onLine(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: scan watch stream: %v", ErrWatchPayloadInvalid, err)
	}
	return nil
}

// WatchLoop reconnects the watch stream with exponential backoff.
type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onLine func(api.WatchLine) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.Watch(ctx, onLine)
		if err == nil {
			if opts.Once {
				return nil
			}
			backoff = minBackoff
			continue
		}
		if opts.Once || errors.Is(err, context.Canceled) || errors.Is(err, ErrWatchPayloadInvalid) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	return do[T](ctx, c, http.MethodGet, path, nil)
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var out T
	payload, err := c.request(ctx, method, path, nil, body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, payload)
	}
	return payload, nil
}

func decodeError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
