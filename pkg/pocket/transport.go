package pocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	syncwire "github.com/tallydeck/tally/internal/sync"
)

// TokenSource supplies the bearer credential for sync calls. It is the
// device-identity collaborator: the engine never mints tokens itself, it
// only asks for one and, on an auth rejection, asks for a refreshed one.
type TokenSource interface {
	// Token returns the current credential.
	Token(ctx context.Context) (string, error)

	// Refresh obtains a new credential after the current one was rejected.
	Refresh(ctx context.Context) (string, error)
}

// Client talks the pull/push protocol to the tally server.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewClient creates a Client. Requests are bounded by a 30 second timeout;
// a timed-out attempt is treated as a network failure.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Pull fetches all changes since the checkpoint.
func (c *Client) Pull(ctx context.Context, lastPulledAt int64) (*syncwire.PullResponse, error) {
	var resp syncwire.PullResponse
	path := "/sync/pull?last_pulled_at=" + strconv.FormatInt(lastPulledAt, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push transmits a batch of local changes.
func (c *Client) Push(ctx context.Context, req *syncwire.PushRequest) (*syncwire.PushResponse, error) {
	var resp syncwire.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends one authenticated request. An auth rejection triggers exactly one
// token refresh and retry before surfacing ErrAuth.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain credential: %w: %v", ErrAuth, err)
	}

	status, err := c.send(ctx, method, path, body, token, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh credential: %w: %v", ErrAuth, err)
		}
		status, err = c.send(ctx, method, path, body, token, out)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("credential rejected after refresh: %w", ErrAuth)
		}
	}

	return statusToError(status)
}

// send performs the HTTP exchange and decodes the response body into out for
// statuses that carry one. Returns the status code; transport failures map
// to ErrNetwork.
func (c *Client) send(ctx context.Context, method, path string, body any, token string, out any) (int, error) {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	// Conflict and validation rejections from /sync/push still carry a
	// PushResponse body; decode whatever arrived so callers can see the
	// server's error list.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict, http.StatusUnprocessableEntity:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return 0, fmt.Errorf("decode response: %w: %v", ErrServerRejected, err)
			}
		}
	}

	return resp.StatusCode, nil
}

func statusToError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusUnprocessableEntity:
		return ErrApply
	default:
		return fmt.Errorf("status %d: %w", status, ErrServerRejected)
	}
}
