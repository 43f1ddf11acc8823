package session

import (
	"context"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/internal/metrics"
	"postpipe/pkg/logx"
)

// ErrRateLimited is returned when an account exhausted its login budget.
var ErrRateLimited = errors.Mark(errors.New("login rate limit exceeded"), domain.ErrTransient)

// LoginAdapter performs the actual login against the target service.
type LoginAdapter interface {
	Login(ctx context.Context, accountID, password string) ([]domain.Cookie, error)
}

type AuthResult struct {
	Cookies   []domain.Cookie
	FromCache bool
}

// Authenticator hands out valid cookies: from the cache when possible,
// otherwise through a rate-limited login whose result is cached.
type Authenticator struct {
	cache   Cache
	limiter Limiter
	login   LoginAdapter
	metrics *metrics.Metrics
	log     logx.Logger
}

func NewAuthenticator(cache Cache, limiter Limiter, login LoginAdapter, m *metrics.Metrics, log logx.Logger) *Authenticator {
	return &Authenticator{cache: cache, limiter: limiter, login: login, metrics: m, log: log}
}

func (a *Authenticator) GetValidCookies(ctx context.Context, accountID, password string) (AuthResult, error) {
	cookies, ok, err := a.cache.Get(ctx, accountID)
	if err != nil {
		a.log.Warn("session cache read failed", logx.Account(accountID), logx.Err(err))
	}
	if ok && len(cookies) > 0 {
		return AuthResult{Cookies: cookies, FromCache: true}, nil
	}
	return a.fresh(ctx, accountID, password)
}

func (a *Authenticator) fresh(ctx context.Context, accountID, password string) (AuthResult, error) {
	allowed, err := a.limiter.CheckAndIncrement(ctx, accountID)
	if err != nil {
		return AuthResult{}, errors.Mark(errors.Wrap(err, "login rate check"), domain.ErrTransient)
	}
	if !allowed {
		a.metrics.LoginAttempt("rate_limited")
		return AuthResult{}, ErrRateLimited
	}

	cookies, err := a.login.Login(ctx, accountID, password)
	if err != nil {
		a.metrics.LoginAttempt("failed")
		return AuthResult{}, errors.Wrap(err, "login")
	}
	a.metrics.LoginAttempt("ok")

	if err := a.cache.Save(ctx, accountID, cookies); err != nil {
		a.log.Warn("session cache write failed", logx.Account(accountID), logx.Err(err))
	}
	a.log.Info("logged in", logx.Account(accountID))
	return AuthResult{Cookies: cookies}, nil
}
