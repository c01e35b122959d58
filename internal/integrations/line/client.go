// Package line is a small client for the LINE Messaging API endpoints the bot uses.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"linebot/internal/domain"
)

const (
	defaultAPIBase  = "https://api.line.me"
	defaultDataBase = "https://api-data.line.me"

	// DefaultLoadingSeconds is how long the typing indicator is shown.
	DefaultLoadingSeconds = 5

	maxContentBytes = 20 << 20
)

// TokenSource yields the channel access token.
type TokenSource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx responses from the platform.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("line: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type loadingRequest struct {
	ChatID         string `json:"chatId"`
	LoadingSeconds int    `json:"loadingSeconds"`
}

type markAsReadRequest struct {
	MarkAsReadToken string `json:"markAsReadToken"`
}

// Content is the binary payload of an image, video, audio or file message.
type Content struct {
	Data        []byte
	ContentType string
}

type Client struct {
	apiBase    string
	dataBase   string
	httpClient *http.Client
	token      TokenSource
}

type Option func(*Client)

func WithBaseURL(apiBase string) Option {
	return func(c *Client) { c.apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/") }
}

func WithDataBaseURL(dataBase string) Option {
	return func(c *Client) { c.dataBase = strings.TrimRight(strings.TrimSpace(dataBase), "/") }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(token TokenSource, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("line: token source must not be nil")
	}
	c := &Client{
		apiBase:    defaultAPIBase,
		dataBase:   defaultDataBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c, nil
}

// Reply answers an event with its single-use reply token.
func (c *Client) Reply(ctx context.Context, replyToken string, texts ...string) error {
	if replyToken == "" {
		return errors.New("line: reply token is required")
	}
	_, err := c.postJSON(ctx, c.apiBase+"/v2/bot/message/reply", replyRequest{ReplyToken: replyToken, Messages: toMessages(texts)})
	if err != nil {
		return fmt.Errorf("line: reply: %w", err)
	}
	return nil
}

// Push sends to a user without a reply token.
func (c *Client) Push(ctx context.Context, userID string, texts ...string) error {
	if userID == "" {
		return errors.New("line: user id is required")
	}
	_, err := c.postJSON(ctx, c.apiBase+"/v2/bot/message/push", pushRequest{To: userID, Messages: toMessages(texts)})
	if err != nil {
		return fmt.Errorf("line: push: %w", err)
	}
	return nil
}

// ShowLoading displays the typing indicator in a one-to-one chat.
func (c *Client) ShowLoading(ctx context.Context, userID string, seconds int) error {
	if seconds <= 0 {
		seconds = DefaultLoadingSeconds
	}
	_, err := c.postJSON(ctx, c.apiBase+"/v2/bot/chat/loading/start", loadingRequest{ChatID: userID, LoadingSeconds: seconds})
	if err != nil {
		return fmt.Errorf("line: loading: %w", err)
	}
	return nil
}

// MarkAsRead acknowledges a message with the token delivered alongside it.
func (c *Client) MarkAsRead(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("line: mark-as-read token is required")
	}
	_, err := c.postJSON(ctx, c.apiBase+"/v2/bot/chat/markAsRead", markAsReadRequest{MarkAsReadToken: token})
	if err != nil {
		return fmt.Errorf("line: mark as read: %w", err)
	}
	return nil
}

// Profile fetches a user's public profile.
func (c *Client) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, errors.New("line: user id is required")
	}
	u := c.apiBase + "/v2/bot/profile/" + url.PathEscape(userID)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	raw, _, err := c.do(req, u, 1<<20)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("line: profile: %w", err)
	}
	var p domain.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Profile{}, fmt.Errorf("line: decode profile: %w", err)
	}
	return p, nil
}

// Content downloads the binary content of a message.
func (c *Client) Content(ctx context.Context, messageID string) (Content, error) {
	if messageID == "" {
		return Content{}, errors.New("line: message id is required")
	}
	u := c.dataBase + "/v2/bot/message/" + url.PathEscape(messageID) + "/content"
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Content{}, err
	}
	raw, contentType, err := c.do(req, u, maxContentBytes)
	if err != nil {
		return Content{}, fmt.Errorf("line: content: %w", err)
	}
	return Content{Data: raw, ContentType: contentType}, nil
}

func toMessages(texts []string) []textMessage {
	out := make([]textMessage, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		out = append(out, textMessage{Type: "text", Text: t})
	}
	return out
}

func (c *Client) postJSON(ctx context.Context, u string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	raw, _, err := c.do(req, u, 1<<20)
	return raw, err
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	token, err := c.token.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("line: resolve access token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("line: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) do(req *http.Request, u string, limit int64) ([]byte, string, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, "", &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, "", fmt.Errorf("read response body: %w", err)
	}
	return buf, res.Header.Get("Content-Type"), nil
}
