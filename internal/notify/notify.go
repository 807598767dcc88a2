// Package notify delivers generation outcomes to whoever presents them to
// the user. The orchestrator calls a Notifier exactly once per terminal job.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/pkg/types"
)

// Kind of notification.
type Kind string

const (
	KindVideoReady Kind = "video_ready"
	KindFailed     Kind = "generation_failed"
)

// Notification is one delivered outcome.
type Notification struct {
	Kind   Kind
	Record types.Record
}

// Notifier must not block; it is called from the orchestrator's result loop.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Log writes notifications to a logger.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(n Notification) {
	ev := l.Logger.Info()
	if n.Kind == KindFailed {
		ev = l.Logger.Warn().Str("error_message", n.Record.ErrorMessage)
	}
	ev.Str(genlog.FieldEvent, string(n.Kind)).
		Str(genlog.FieldRecordID, n.Record.ID).
		Str(genlog.FieldJobID, string(n.Record.JobID)).
		Str(genlog.FieldURL, n.Record.ResultURL).
		Msg("generation finished")
}

// Channel buffers notifications for a consumer. When the buffer is full the
// notification is dropped and counted rather than stalling the caller.
type Channel struct {
	ch      chan Notification
	mu      sync.Mutex
	dropped int
}

// NewChannel returns a Channel with the given buffer.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan Notification, buffer)}
}

func (c *Channel) Notify(n Notification) {
	select {
	case c.ch <- n:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// C is the receive side.
func (c *Channel) C() <-chan Notification { return c.ch }

// Dropped reports notifications lost to a full buffer.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Multi fans out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}
