// Package testkit provides test-authoring helpers for scenario bodies:
// assertion macros-as-functions and a Channel for handing values between
// VP/VTL command bodies. original_source/opentmk/src/uefi/tests/hv_misc.rs
// references a crate::sync::{Channel, Receiver, Sender} that the Rust
// prototype never finished defining (the file is marked
// "WIP, not yet complete and not expected to pass"); Channel here is a
// fresh Go-idiomatic design filling that gap rather than a port, built on
// the same bounded-buffer-plus-Cond shape cmdbus.Queue already uses.
package testkit

import "sync"

// Channel is a single-value handoff point between two command bodies
// running on different VPs or VTLs — the common "VTL1 computes something,
// VTL0 reads it back" shape scenario bodies need, without requiring the
// scenario author to reach into cmdbus directly.
type Channel[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	val   T
	ready bool
}

// NewChannel constructs an empty Channel.
func NewChannel[T any]() *Channel[T] {
	c := &Channel[T]{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Sender is the write half of a Channel.
type Sender[T any] struct{ ch *Channel[T] }

// Receiver is the read half of a Channel.
type Receiver[T any] struct{ ch *Channel[T] }

// Split returns independent Sender/Receiver handles over the same
// Channel, mirroring the split most channel APIs in the corpus's broader
// ecosystem (e.g. Go's own chan semantics) expose.
func (c *Channel[T]) Split() (Sender[T], Receiver[T]) {
	return Sender[T]{ch: c}, Receiver[T]{ch: c}
}

// Send stores val and wakes any blocked Recv. A second Send before the
// first value is received overwrites it — Channel is a single-slot
// mailbox, not a queue.
func (s Sender[T]) Send(val T) {
	s.ch.mu.Lock()
	s.ch.val = val
	s.ch.ready = true
	s.ch.mu.Unlock()
	s.ch.cond.Broadcast()
}

// Recv blocks until a value has been sent, then returns it.
func (r Receiver[T]) Recv() T {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	for !r.ch.ready {
		r.ch.cond.Wait()
	}
	r.ch.ready = false
	return r.ch.val
}

// TryRecv returns the pending value without blocking, if any.
func (r Receiver[T]) TryRecv() (T, bool) {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	if !r.ch.ready {
		var zero T
		return zero, false
	}
	r.ch.ready = false
	return r.ch.val, true
}

// Asserter is the narrow slice of logsink.Sink/orchestrator.TestCtx every
// assertion helper below needs.
type Asserter interface {
	Assert(expr string, ok bool)
}

// AssertEqual is the Go-function analogue of tmk_assert! for an equality
// check: it forwards the caller-supplied expr text unchanged together with
// the result of got == want. The values of got and want do not appear in
// the text.
func AssertEqual[T comparable](t Asserter, expr string, got, want T) {
	t.Assert(expr, got == want)
}

// AssertTrue forwards cond directly, for checks that aren't naturally an
// equality comparison.
func AssertTrue(t Asserter, expr string, cond bool) {
	t.Assert(expr, cond)
}
