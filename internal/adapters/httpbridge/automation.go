package httpbridge

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/internal/pipeline"
	"postpipe/pkg/logx"
)

type AutomationConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// Automation implements session.LoginAdapter and pipeline.PublishAdapter on
// top of the browser automation sidecar.
type Automation struct {
	c   *client
	now func() time.Time
}

func NewAutomation(cfg AutomationConfig, log logx.Logger) *Automation {
	log = log.With(logx.String("comp", "automation"))
	return &Automation{
		c:   newClient(cfg.BaseURL, cfg.Timeout, cfg.RateLimit, cfg.Burst, log),
		now: time.Now,
	}
}

type loginReq struct {
	AccountID string `json:"accountId"`
	Password  string `json:"password"`
}

type loginResp struct {
	Success bool            `json:"success"`
	Cookies []domain.Cookie `json:"cookies"`
	Message string          `json:"message"`
}

// Login returns the session cookies for an account. A refused login comes
// back as a plain error carrying the sidecar's message.
func (a *Automation) Login(ctx context.Context, accountID, password string) ([]domain.Cookie, error) {
	var resp loginResp
	if err := a.c.postJSON(ctx, "/login", loginReq{AccountID: accountID, Password: password}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || len(resp.Cookies) == 0 {
		msg := resp.Message
		if msg == "" {
			msg = "login failed"
		}
		return nil, errors.New(msg)
	}
	return resp.Cookies, nil
}

type publishReq struct {
	AccountID    string          `json:"accountId"`
	Cookies      []domain.Cookie `json:"cookies"`
	Title        string          `json:"title"`
	Content      string          `json:"content"`
	Images       []string        `json:"images,omitempty"`
	Category     string          `json:"category,omitempty"`
	ScheduleTime string          `json:"scheduleTime,omitempty"`
}

type publishResp struct {
	Success bool   `json:"success"`
	PostURL string `json:"postUrl"`
	Message string `json:"message"`
}

// PublishNow reports whether a post scheduled at t should go out immediately
// rather than through the platform's reservation feature.
func PublishNow(t, now time.Time) bool {
	return t.IsZero() || !t.After(now)
}

// Publish posts the content. 401 and 419 mean the cookies are no longer
// accepted and are marked as an expired session.
func (a *Automation) Publish(ctx context.Context, req pipeline.PublishRequest) (*pipeline.PublishResult, error) {
	body := publishReq{
		AccountID: req.AccountID,
		Cookies:   req.Cookies,
		Title:     req.Title,
		Content:   req.Body,
		Images:    req.Images,
		Category:  req.Category,
	}
	if !PublishNow(req.ScheduleTime, a.now()) {
		body.ScheduleTime = req.ScheduleTime.Format(time.RFC3339)
	}

	var resp publishResp
	if err := a.c.postJSON(ctx, "/publish", body, &resp); err != nil {
		switch StatusCode(err) {
		case http.StatusUnauthorized, 419:
			return nil, domain.WithKind(err, domain.ErrSessionExpired)
		}
		return nil, err
	}
	return &pipeline.PublishResult{Success: resp.Success, PostURL: resp.PostURL, Message: resp.Message}, nil
}
