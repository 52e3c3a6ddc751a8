package dsl

import (
	"sync/atomic"

	"github.com/nuulab/flowcore/pkg/mediator"
)

// idSeq backs auto-generated message ids for factory outputs that
// don't already implement mediator.Message themselves.
var idSeq int64

func nextMessageID() int64 { return atomic.AddInt64(&idSeq, 1) }

// envelope adapts an arbitrary value produced by a step.MessageFactory
// into mediator.Message/mediator.Event when the value doesn't already
// implement the relevant interface itself. Most production messages
// are expected to implement MessageID() directly (spec.md §6); this
// envelope exists so a builder callback can return a plain struct or
// primitive without boilerplate.
type envelope struct {
	payload any
	id      int64
	corrID  string
}

func (e *envelope) MessageID() int64       { return e.id }
func (e *envelope) CorrelationID() string  { return e.corrID }
func (e *envelope) Unwrap() any            { return e.payload }

func wrapMessage(v any) mediator.Message {
	if m, ok := v.(mediator.Message); ok {
		return m
	}
	return &envelope{payload: v, id: nextMessageID()}
}

func wrapEvent(v any) mediator.Event {
	if e, ok := v.(mediator.Event); ok {
		return e
	}
	return &envelope{payload: v}
}

// Unwrap returns the original factory output, whether or not it was
// wrapped. Mediators that only need to inspect payload, not identity,
// should use this rather than type-asserting to *envelope.
func Unwrap(v any) any {
	if e, ok := v.(interface{ Unwrap() any }); ok {
		return e.Unwrap()
	}
	return v
}
