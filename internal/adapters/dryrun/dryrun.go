// Package dryrun provides adapters that log instead of touching any external
// service. They let the whole pipeline run locally.
package dryrun

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/internal/pipeline"
	"postpipe/pkg/logx"
)

// Adapter implements session.LoginAdapter, pipeline.ContentProvider and
// pipeline.PublishAdapter.
type Adapter struct {
	log     logx.Logger
	latency time.Duration
	seq     atomic.Int64
}

func New(latency time.Duration, log logx.Logger) *Adapter {
	return &Adapter{log: log.With(logx.String("comp", "dryrun")), latency: latency}
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(a.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Login accepts any non-empty password.
func (a *Adapter) Login(ctx context.Context, accountID, password string) ([]domain.Cookie, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errors.New("invalid password")
	}
	a.log.Info("login", logx.Account(accountID))
	return []domain.Cookie{{Name: "DRYRUN_SES", Value: fmt.Sprintf("s%d", a.seq.Add(1)), Path: "/"}}, nil
}

func (a *Adapter) Prepare(ctx context.Context, req pipeline.ContentRequest) (*pipeline.Content, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	n := a.seq.Add(1)
	c := &pipeline.Content{
		ContentID: fmt.Sprintf("dry-%d", n),
		Title:     req.Keyword,
		Body:      fmt.Sprintf("Notes on %s.", req.Keyword),
	}
	if req.GenerateImages {
		for i := 1; i <= req.ImageCount; i++ {
			c.Images = append(c.Images, fmt.Sprintf("dryrun://%d/%d.png", n, i))
		}
	}
	a.log.Info("prepare", logx.String("keyword", req.Keyword), logx.Int("images", len(c.Images)))
	return c, nil
}

func (a *Adapter) Publish(ctx context.Context, req pipeline.PublishRequest) (*pipeline.PublishResult, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("https://dryrun.invalid/%s/%d", logx.MaskAccount(req.AccountID), a.seq.Add(1))
	a.log.Info("publish",
		logx.Account(req.AccountID),
		logx.String("title", req.Title),
		logx.Time("at", req.ScheduleTime),
		logx.String("url", url))
	return &pipeline.PublishResult{Success: true, PostURL: url}, nil
}
