package syncer

import (
	"context"
	"time"

	"github.com/fieldrep/fieldsync/internal/session"
)

// Result reports the outcome of one run. Every call returns one; errors are
// carried in Err and summarized in Message.
type Result struct {
	// Op is "sync", "pull" or "activity".
	Op string `json:"op"`

	Success bool   `json:"success"`
	Message string `json:"message"`

	// SyncedCount is the number of rows flipped to synced.
	SyncedCount int `json:"synced_count"`

	// Merged is the number of server customer records applied after a push.
	Merged int `json:"merged"`

	// Pulled is the number of reference rows stored by a pull.
	Pulled int `json:"pulled"`

	// SessionExpired is set when the run ended in a logout.
	SessionExpired bool `json:"session_expired"`

	// InProgress is set when the call was rejected because another run
	// was active.
	InProgress bool `json:"in_progress"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Err error `json:"-"`
}

// Observer is told about every completed run.
//
// Observers are called on their own goroutine. A slow observer delays
// nothing and a panicking one is recovered.
type Observer interface {
	SyncFinished(Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Result)

func (f ObserverFunc) SyncFinished(r Result) { f(r) }

// Guard is the session surface the engine needs.
type Guard interface {
	// Validate returns the active session or session.ErrExpired.
	Validate(ctx context.Context) (*session.Session, error)

	// Logout ends the session; destructive also removes the tenant database.
	Logout(ctx context.Context, destructive bool) error
}

// Syncer is implemented by *Engine.
type Syncer interface {
	Run(ctx context.Context) Result
	Pull(ctx context.Context) Result
	PushActivity(ctx context.Context) Result
}

var _ Syncer = (*Engine)(nil)
