package pipeline

import (
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
)

var (
	DefaultNonRetryable = []string{
		"계정 잠금",
		"비밀번호 오류",
		"캡차 필요",
		"존재하지 않는 계정",
		"account locked",
		"invalid password",
		"captcha required",
		"account not found",
	}
	DefaultSessionMarkers = []string{"session", "login", "로그인"}
)

type patterns struct {
	nonRetryable []string
	session      []string
}

// Classifier maps adapter errors to kinds. Errors already marked with a
// domain kind win; message substrings are the fallback for adapters that only
// return text.
type Classifier struct {
	p atomic.Pointer[patterns]
}

// NewClassifier builds a classifier; nil lists take the defaults.
func NewClassifier(nonRetryable, sessionMarkers []string) *Classifier {
	c := &Classifier{}
	c.Set(nonRetryable, sessionMarkers)
	return c
}

// Set replaces the pattern lists. Safe for concurrent use.
func (c *Classifier) Set(nonRetryable, sessionMarkers []string) {
	if nonRetryable == nil {
		nonRetryable = DefaultNonRetryable
	}
	if sessionMarkers == nil {
		sessionMarkers = DefaultSessionMarkers
	}
	c.p.Store(&patterns{nonRetryable: lowerAll(nonRetryable), session: lowerAll(sessionMarkers)})
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(msg string, subs []string) bool {
	msg = strings.ToLower(msg)
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsNonRetryable reports whether a publish failure must not be retried.
func (c *Classifier) IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrNonRetryable) {
		return true
	}
	if errors.Is(err, domain.ErrTransient) {
		return false
	}
	return containsAny(err.Error(), c.p.Load().nonRetryable)
}

// IsSessionError reports whether err means the cookies were rejected.
func (c *Classifier) IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrSessionExpired) {
		return true
	}
	return containsAny(err.Error(), c.p.Load().session)
}

// Kind returns the domain kind of err, falling back to the substring rules.
func (c *Classifier) Kind(err error) domain.Kind {
	if k := domain.KindOf(err); k != domain.KindUnknown {
		return k
	}
	switch {
	case err == nil:
		return domain.KindUnknown
	case c.IsNonRetryable(err):
		return domain.KindNonRetryable
	case c.IsSessionError(err):
		return domain.KindSessionExpired
	}
	return domain.KindTransient
}
