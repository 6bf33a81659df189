// Package twitter publishes posts through the X (Twitter) API v2 with OAuth
// 1.0a user-context credentials. Reply chains use in_reply_to_tweet_id.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"callbot/internal/publish"
	logx "callbot/pkg/logx"
)

const DefaultBaseURL = "https://api.twitter.com"

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
	Timeout        time.Duration
}

type Publisher struct {
	base string
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" || cfg.AccessToken == "" || cfg.AccessSecret == "" {
		return nil, errors.New("twitter credentials are incomplete")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret).
		Client(oauth1.NoContext, oauth1.NewToken(cfg.AccessToken, cfg.AccessSecret))
	client.Timeout = cfg.Timeout
	return &Publisher{base: base, http: client, log: log}, nil
}

func (p *Publisher) Name() string { return "twitter" }

type tweetRequest struct {
	Text  string      `json:"text"`
	Reply *tweetReply `json:"reply,omitempty"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type apiResponse struct {
	Data *struct {
		ID string `json:"id"`
	} `json:"data"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *Publisher) Publish(ctx context.Context, text, replyTo string) (string, error) {
	body := tweetRequest{Text: text}
	if replyTo != "" {
		body.Reply = &tweetReply{InReplyToTweetID: replyTo}
	}
	var out apiResponse
	if err := p.do(ctx, "tweet", http.MethodPost, "/2/tweets", body, &out); err != nil {
		return "", err
	}
	if out.Data == nil || out.Data.ID == "" {
		return "", publish.TransportError("tweet", errors.New("response has no tweet id"))
	}
	return out.Data.ID, nil
}

// Verify resolves the authenticated user.
func (p *Publisher) Verify(ctx context.Context) error {
	var out apiResponse
	if err := p.do(ctx, "verify", http.MethodGet, "/2/users/me", nil, &out); err != nil {
		return err
	}
	if out.Data == nil || out.Data.ID == "" {
		return publish.AuthError("verify", errors.New("no user in response"))
	}
	return nil
}

func (p *Publisher) do(ctx context.Context, op, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, rd)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return publish.TransportError(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return publish.TransportError(op, err)
	}

	if resp.StatusCode >= 300 {
		return classify(op, resp, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return publish.TransportError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classify(op string, resp *http.Response, raw []byte) error {
	var body apiResponse
	_ = json.Unmarshal(raw, &body)
	msg := strings.TrimSpace(body.Detail)
	if msg == "" && len(body.Errors) > 0 {
		msg = body.Errors[0].Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("http %d: %s", resp.StatusCode, msg)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return publish.AuthError(op, err)
	case http.StatusTooManyRequests:
		return publish.RateLimitError(op, retryAfter(resp.Header, time.Now()), err)
	default:
		return publish.TransportError(op, err)
	}
}

// retryAfter reads x-rate-limit-reset (unix seconds) or Retry-After.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(sec, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return 0
}
