package pipeline

import (
	"context"
	"time"

	"postpipe/internal/domain"
	"postpipe/internal/queue"
	"postpipe/internal/session"
)

// AuthProvider hands out valid cookies for an account. session.Authenticator
// is the production implementation.
type AuthProvider interface {
	GetValidCookies(ctx context.Context, accountID, password string) (session.AuthResult, error)
}

// SessionStore is the part of the session cache the publish stage uses
// directly.
type SessionStore interface {
	Get(ctx context.Context, accountID string) ([]domain.Cookie, bool, error)
	Invalidate(ctx context.Context, accountID string) error
}

type ContentRequest struct {
	Keyword        string
	Category       string
	Service        string
	Ref            string
	GenerateImages bool
	ImageCount     int
}

// Content is prepared material ready for publishing.
type Content struct {
	ContentID string
	Title     string
	Body      string
	Images    []string
	// StorageHandle identifies the generation folder on the content side.
	StorageHandle string
}

type ContentProvider interface {
	Prepare(ctx context.Context, req ContentRequest) (*Content, error)
}

type PublishRequest struct {
	AccountID    string
	Cookies      []domain.Cookie
	Title        string
	Body         string
	Images       []string
	Category     string
	ScheduleTime time.Time
}

type PublishResult struct {
	Success bool
	PostURL string
	Message string
}

type PublishAdapter interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
}

// PublishOutcome is reported back to a ContentProvider that implements
// OutcomeReporter.
type PublishOutcome struct {
	ScheduleJobID string
	Status        domain.JobStatus
	PostURL       string
	Error         string
}

// OutcomeReporter is optionally implemented by a ContentProvider that wants
// to learn what happened to the content it prepared.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, storageHandle string, o PublishOutcome) error
}

// Enqueuer is the part of queue.Manager the stages use.
type Enqueuer interface {
	Enqueue(account string, stage queue.Stage, ref string, data any) (string, error)
}

// Drainer stops an account's queues.
type Drainer interface {
	Drain(account string) bool
}

// Registrar accepts stage handlers.
type Registrar interface {
	Handle(stage queue.Stage, h queue.Handler)
}
