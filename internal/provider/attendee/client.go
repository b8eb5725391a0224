// Package attendee talks to the meeting-bot vendor API.
package attendee

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

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

const serviceName = "attendee"

// Bot is the vendor's view of a meeting bot.
type Bot struct {
	ID         string            `json:"id"`
	MeetingURL string            `json:"meeting_url"`
	State      string            `json:"state"`
	SubState   string            `json:"sub_state,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// CreateBotRequest asks the vendor to send a bot to a meeting.
type CreateBotRequest struct {
	MeetingURL string            `json:"meeting_url"`
	BotName    string            `json:"bot_name"`
	JoinAt     *time.Time        `json:"join_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ListBotsParams filters ListBots.
type ListBotsParams struct {
	UserID       string
	UpdatedAfter time.Time
}

// Utterance is one transcript segment.
type Utterance struct {
	Speaker     string `json:"speaker_name"`
	TimestampMS int64  `json:"timestamp_ms"`
	DurationMS  int64  `json:"duration_ms"`
	Text        string `json:"text"`
}

// API is the meeting-bot operations used by the engine.
type API interface {
	CreateBot(ctx context.Context, req CreateBotRequest) (Bot, error)
	GetBot(ctx context.Context, id string) (Bot, error)
	ListBots(ctx context.Context, params ListBotsParams) ([]Bot, error)
	DeleteBot(ctx context.Context, id string) error
	GetTranscript(ctx context.Context, id string) ([]Utterance, error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientRetry overrides the retry policy.
func WithClientRetry(p retry.Policy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithClientLogger overrides the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client is a minimal REST client for the meeting-bot vendor.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      retry.Policy
	logger     *zap.Logger
}

var _ API = (*Client)(nil)

// NewClient constructs a client with a bounded default timeout.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry.DefaultPolicy(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateBot dispatches a bot to a meeting.
func (c *Client) CreateBot(ctx context.Context, req CreateBotRequest) (Bot, error) {
	var bot Bot
	err := c.do(ctx, http.MethodPost, "/api/v1/bots", req, &bot)
	return bot, err
}

// GetBot fetches a bot by ID.
func (c *Client) GetBot(ctx context.Context, id string) (Bot, error) {
	var bot Bot
	err := c.do(ctx, http.MethodGet, "/api/v1/bots/"+url.PathEscape(id), nil, &bot)
	return bot, err
}

// ListBots follows the paginated bot listing.
func (c *Client) ListBots(ctx context.Context, params ListBotsParams) ([]Bot, error) {
	q := url.Values{}
	if params.UserID != "" {
		q.Set("metadata_user_id", params.UserID)
	}
	if !params.UpdatedAfter.IsZero() {
		q.Set("updated_after", params.UpdatedAfter.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/v1/bots"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var bots []Bot
	for path != "" {
		var page struct {
			Results []Bot  `json:"results"`
			Next    string `json:"next"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		bots = append(bots, page.Results...)
		path = c.relative(page.Next)
	}
	return bots, nil
}

// DeleteBot removes a bot that has not joined yet.
func (c *Client) DeleteBot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/bots/"+url.PathEscape(id), nil, nil)
}

// GetTranscript returns the utterances recorded by a bot.
func (c *Client) GetTranscript(ctx context.Context, id string) ([]Utterance, error) {
	var raw []struct {
		Speaker       string `json:"speaker_name"`
		TimestampMS   int64  `json:"timestamp_ms"`
		DurationMS    int64  `json:"duration_ms"`
		Transcription struct {
			Transcript string `json:"transcript"`
		} `json:"transcription"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/bots/"+url.PathEscape(id)+"/transcript", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Utterance, 0, len(raw))
	for _, r := range raw {
		out = append(out, Utterance{Speaker: r.Speaker, TimestampMS: r.TimestampMS, DurationMS: r.DurationMS, Text: r.Transcription.Transcript})
	}
	return out, nil
}

// relative turns an absolute next link into a path on the base URL.
func (c *Client) relative(next string) string {
	if next == "" {
		return ""
	}
	return strings.TrimPrefix(next, c.baseURL)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "attendee: encode request")
		}
		payload = data
	}
	call := fmt.Sprintf("attendee %s %s", method, path)

	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return errors.Wrap(err, call)
		}
		req.Header.Set("Authorization", "Token "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, call)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &domain.StatusError{
				Service:    serviceName,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(data)),
				RetryAfter: domain.ParseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, call+": decode")
		}
		return nil
	}, retry.WithLogger(c.logger), retry.WithName(call))
}

// FormatTranscript renders utterances as speaker-prefixed lines.
func FormatTranscript(utterances []Utterance) string {
	var b strings.Builder
	for _, u := range utterances {
		if u.Text == "" {
			continue
		}
		if u.Speaker != "" {
			b.WriteString(u.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(u.Text)
		b.WriteString("\n")
	}
	return b.String()
}
