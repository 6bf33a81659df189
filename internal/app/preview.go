package app

import (
	"context"
	"errors"
	"time"

	"callbot/internal/calls"
	"callbot/internal/config"
	"callbot/internal/render"
	logx "callbot/pkg/logx"
)

// ErrNoPublisher is returned by VerifyCredentials when no driver is configured.
var ErrNoPublisher = errors.New("no publisher configured")

// VerifyCredentials builds the configured publisher and asks the platform to
// confirm its credentials. Failures carry a publish error kind.
func VerifyCredentials(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	pub, err := buildPublisher(cfg, log)
	if err != nil {
		return err
	}
	if pub == nil {
		return ErrNoPublisher
	}
	return pub.Verify(ctx)
}

// Preview renders the posts a batch would produce under cfg without touching
// dedup state or any publisher. With filter set, events are checked against
// the recency and duration filter at now.
func Preview(cfg *config.Config, b calls.Batch, filter bool, now time.Time) ([]render.Post, error) {
	s, err := pipelineSettings(cfg)
	if err != nil {
		return nil, err
	}
	items := make([]render.Item, 0, len(b.Events))
	for _, e := range b.Events {
		if filter && !s.Filter.Keep(e, now) {
			continue
		}
		items = append(items, render.Item{Event: e})
	}
	return render.New(s.Render).Render(items), nil
}
