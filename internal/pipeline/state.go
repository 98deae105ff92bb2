package pipeline

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/publisher"
)

// State is a step of a run. Runs move forward through the states in order
// and end in Done or Failed.
type State string

const (
	StateIdle         State = "idle"
	StateCleaning     State = "cleaning"
	StateFetching     State = "fetching"
	StateChunking     State = "chunking"
	StateSynthesizing State = "synthesizing"
	StateStaging      State = "staging"
	StateAssembling   State = "assembling"
	StatePublishing   State = "publishing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Event is emitted on every state change of a run.
type Event struct {
	RunID     string
	SourceURL string
	State     State
	// Set when State is StateFailed.
	FailedAt State
	Kind     string
	Index    int
	Cause    string

	Artifact *publisher.Artifact
	At       time.Time
}

// Observer receives run events synchronously, in order.
type Observer interface {
	Observe(ctx context.Context, evt Event)
}

type ObserverFunc func(ctx context.Context, evt Event)

func (f ObserverFunc) Observe(ctx context.Context, evt Event) { f(ctx, evt) }

type multiObserver []Observer

func (m multiObserver) Observe(ctx context.Context, evt Event) {
	for _, o := range m {
		o.Observe(ctx, evt)
	}
}

// Observers fans events out to each non-nil observer.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}
