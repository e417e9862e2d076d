package audio

import (
	"context"
	"errors"
	"slices"
)

// Priority orders speech requests.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	// PriorityImmediate flushes pending speech and interrupts the current
	// utterance unless it is also immediate.
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Errors reported to SpeakAndWait callers whose request did not finish.
var (
	ErrPreempted = errors.New("speech preempted")
	ErrStopped   = errors.New("speech stopped")
)

// utterance is one queued speech request.
type utterance struct {
	text     string
	priority Priority
	done     chan error // receives exactly one result
	finished chan struct{}

	// Set by the worker while the utterance is playing.
	cancel context.CancelCauseFunc
}

func newUtterance(text string, p Priority) *utterance {
	return &utterance{
		text:     text,
		priority: p,
		done:     make(chan error, 1),
		finished: make(chan struct{}),
	}
}

// speechQueue orders pending utterances by priority, FIFO within a
// priority. It is guarded by the Controller's mutex.
type speechQueue struct {
	pending []*utterance
}

// push inserts u after every pending utterance of equal or higher
// priority.
func (q *speechQueue) push(u *utterance) {
	i := len(q.pending)
	for j, p := range q.pending {
		if p.priority < u.priority {
			i = j
			break
		}
	}
	q.pending = slices.Insert(q.pending, i, u)
}

// pop removes and returns the head, or nil.
func (q *speechQueue) pop() *utterance {
	if len(q.pending) == 0 {
		return nil
	}
	u := q.pending[0]
	q.pending = q.pending[1:]
	return u
}

// flushBelow removes every pending utterance below priority p and
// returns them.
func (q *speechQueue) flushBelow(p Priority) []*utterance {
	var dropped []*utterance
	q.pending = slices.DeleteFunc(q.pending, func(u *utterance) bool {
		if u.priority < p {
			dropped = append(dropped, u)
			return true
		}
		return false
	})
	return dropped
}

// remove takes u out of the queue and reports whether it was pending.
func (q *speechQueue) remove(u *utterance) bool {
	i := slices.Index(q.pending, u)
	if i < 0 {
		return false
	}
	q.pending = slices.Delete(q.pending, i, i+1)
	return true
}

// drain removes everything.
func (q *speechQueue) drain() []*utterance {
	all := q.pending
	q.pending = nil
	return all
}
