// Package remote talks to the blink-sessions API: a reachability probe and
// authenticated batch upload keyed by local id.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/model"
)

// Errors returned by Client. Every error from Probe and SubmitBatch wraps
// exactly one of them.
var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrRejected     = errors.New("remote: batch rejected")
	ErrUnavailable  = errors.New("remote: endpoint unavailable")
)

const maxResponseBody = 1 << 20

// Client is safe for concurrent use
type Client struct {
	config Config
	tokens TokenSource
	http   *http.Client

	mu       sync.Mutex
	rejected string // last token the server refused
}

// NewClient creates a client for config.Endpoint
func NewClient(config Config, tokens TokenSource) (*Client, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = StaticToken("")
	}

	return &Client{
		config: config,
		tokens: tokens,
		http:   &http.Client{Timeout: config.RequestTimeout},
	}, nil
}

// Probe checks that the endpoint answers. Any response below 500 counts as
// reachable; authentication is checked on submit, not here.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.config.HealthPath), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: health check returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// CheckAuth reports whether a usable token is available without uploading
// anything. It returns ErrUnauthorized when there is no token or when the
// token is the one the server last refused.
func (c *Client) CheckAuth(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejected != "" && token == c.rejected {
		return fmt.Errorf("%w: token was refused, log in again", ErrUnauthorized)
	}
	return nil
}

func (c *Client) setRejected(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = token
}

// wireRecord is the upload format of one window
type wireRecord struct {
	LocalID     string    `json:"local_id"`
	SessionID   string    `json:"session_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	BlinkCount  int       `json:"blink_count"`
	BlinkRate   float64   `json:"blink_rate"`
	AvgCPU      float64   `json:"avg_cpu"`
	AvgMemoryMB float64   `json:"avg_memory_mb"`
}

type batchRequest struct {
	Records []wireRecord `json:"records"`
}

// batchResponse distinguishes a missing accepted list from an empty one
type batchResponse struct {
	Accepted *[]string `json:"accepted"`
}

// SubmitBatch uploads recs and returns the local ids the server confirmed,
// in batch order. A success response without an accepted list confirms the
// whole batch.
func (c *Client) SubmitBatch(ctx context.Context, recs []model.WindowRecord) ([]string, error) {
	if len(recs) == 0 {
		return []string{}, nil
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	body, err := json.Marshal(encodeBatch(recs))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding batch: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.config.BatchPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.setRejected(token)
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet(payload))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, snippet(payload))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	c.setRejected("")

	ids, err := confirmedIDs(recs, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return ids, nil
}

func encodeBatch(recs []model.WindowRecord) batchRequest {
	out := batchRequest{Records: make([]wireRecord, 0, len(recs))}
	for _, rec := range recs {
		out.Records = append(out.Records, wireRecord{
			LocalID:     rec.LocalID,
			SessionID:   rec.SessionID,
			StartedAt:   rec.WindowStart.UTC(),
			EndedAt:     rec.WindowEnd.UTC(),
			BlinkCount:  rec.BlinkCount,
			BlinkRate:   rec.BlinkRate,
			AvgCPU:      rec.CPUUsage,
			AvgMemoryMB: rec.MemoryUsage,
		})
	}
	return out
}

// confirmedIDs intersects the server's accepted list with the batch.
// Ids the server names that were not in the batch are ignored. A body that
// is not JSON confirms nothing.
func confirmedIDs(recs []model.WindowRecord, payload []byte) ([]string, error) {
	all := make([]string, 0, len(recs))
	for _, rec := range recs {
		all = append(all, rec.LocalID)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return all, nil
	}

	var resp batchResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	if resp.Accepted == nil {
		return all, nil
	}

	accepted := make(map[string]bool, len(*resp.Accepted))
	for _, id := range *resp.Accepted {
		accepted[id] = true
	}

	out := make([]string, 0, len(accepted))
	for _, id := range all {
		if accepted[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.Endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
