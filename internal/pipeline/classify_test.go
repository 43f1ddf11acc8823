package pipeline

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"postpipe/internal/domain"
	"postpipe/internal/session"
)

func TestClassifier(t *testing.T) {
	t.Parallel()
	c := NewClassifier(nil, nil)

	tests := []struct {
		name         string
		err          error
		nonRetryable bool
		session      bool
		kind         domain.Kind
	}{
		{"marked non-retryable", domain.WithKind(errors.New("x"), domain.ErrNonRetryable), true, false, domain.KindNonRetryable},
		{"korean signature", errors.New("발행 실패: 비밀번호 오류"), true, false, domain.KindNonRetryable},
		{"english signature", errors.Wrap(errors.New("Account Locked by provider"), "publish"), true, false, domain.KindNonRetryable},
		{"marked session", domain.WithKind(errors.New("x"), domain.ErrSessionExpired), false, true, domain.KindSessionExpired},
		{"session text", errors.New("Session expired, please sign in"), false, true, domain.KindSessionExpired},
		{"korean login text", errors.New("로그인이 필요합니다"), false, true, domain.KindSessionExpired},
		{"rate limited", session.ErrRateLimited, false, true, domain.KindTransient},
		{"plain", errors.New("connection reset"), false, false, domain.KindTransient},
		{"nil", nil, false, false, domain.KindUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.nonRetryable, c.IsNonRetryable(tt.err), tt.name)
		require.Equal(t, tt.session, c.IsSessionError(tt.err), tt.name)
		require.Equal(t, tt.kind, c.Kind(tt.err), tt.name)
	}
}

func TestClassifierSet(t *testing.T) {
	t.Parallel()
	c := NewClassifier([]string{"quota exceeded"}, []string{"expired"})
	require.True(t, c.IsNonRetryable(errors.New("Daily QUOTA exceeded")))
	require.False(t, c.IsNonRetryable(errors.New("account locked")))
	require.True(t, c.IsSessionError(errors.New("token expired")))

	c.Set(nil, nil)
	require.True(t, c.IsNonRetryable(errors.New("account locked")))
}

func TestLoginReason(t *testing.T) {
	t.Parallel()
	require.Equal(t, "login failed: invalid password", LoginReason("invalid password"))
	require.Equal(t, "Login rejected", LoginReason("Login rejected"))
	require.Equal(t, "로그인 실패", LoginReason("로그인 실패"))
	require.Equal(t, "login failed", LoginReason("  "))
}
