// Package telegram publishes posts to a Telegram chat. Reply chains map to
// reply-to message ids.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"callbot/internal/publish"
	logx "callbot/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

type Publisher struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	chat *tele.Chat
}

// New builds the publisher without touching the network; use Verify to
// check the token.
func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg, log: log, bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (p *Publisher) Name() string { return "telegram" }

func (p *Publisher) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.bot.Raw("getMe", nil); err != nil {
		return classify("getMe", err)
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, text, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	opt := &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              p.cfg.ThreadID,
	}
	if replyTo != "" {
		id, err := strconv.Atoi(replyTo)
		if err != nil {
			return "", publish.TransportError("sendMessage", errors.New("invalid reply-to id "+strconv.Quote(replyTo)))
		}
		opt.ReplyTo = &tele.Message{ID: id, Chat: p.chat}
	}

	msg, err := p.bot.Send(p.chat, text, opt)
	if err != nil {
		return "", classify("sendMessage", err)
	}
	return strconv.Itoa(msg.ID), nil
}

func classify(op string, err error) error {
	var flood tele.FloodError
	switch {
	case errors.As(err, &flood):
		return publish.RateLimitError(op, time.Duration(flood.RetryAfter)*time.Second, err)
	case errors.Is(err, tele.ErrUnauthorized):
		return publish.AuthError(op, err)
	default:
		return publish.TransportError(op, err)
	}
}
