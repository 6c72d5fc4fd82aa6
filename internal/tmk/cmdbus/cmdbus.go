// Package cmdbus implements the per-VP command queues the Orchestrator
// uses to hand work across VTL transitions. It is grounded on
// original_source/opentmk/src/uefi/hypvctx.rs's
// `BTreeMap<u32, LinkedList<...>>` global command table guarded by a
// spin::Mutex, and on the teacher's per-VCPU `runQueue chan func()` idiom
// (internal/hv/kvm/kvm.go, internal/hv/whp/whp.go — virtualCPU.runQueue)
// for the "one owner drains a queue" shape.
package cmdbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

// Command is a unit of work the Orchestrator hands from one VP/VTL
// context to another. Body runs with the receiving TestCtx bound to the
// VP draining the queue; it is typed as `any` here to avoid an import
// cycle with the orchestrator package, which supplies the concrete
// `func(*orchestrator.TestCtx)` signature via a thin wrapper.
type Command struct {
	Body      any
	TargetVtl hvdef.Vtl
}

// Bus owns one Queue per VP, created lazily via RegisterQueue and looked
// up by the Orchestrator whenever it needs to hand off work.
type Bus struct {
	mu    sync.RWMutex
	log   *slog.Logger
	queue map[hvdef.VpIndex]*Queue
	cap   int
}

// New constructs an empty Bus. cap bounds every Queue it creates;
// zero selects DefaultCapacity.
func New(log *slog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{log: log, queue: make(map[hvdef.VpIndex]*Queue), cap: capacity}
}

// DefaultCapacity bounds a Queue when the caller does not specify one.
const DefaultCapacity = 64

// RegisterQueue is idempotent; a second call for the same index is a
// no-op, matching original_source::register_command_queue's
// "already registered" branch.
func (b *Bus) RegisterQueue(v hvdef.VpIndex) *Queue {
	b.mu.RLock()
	if q, ok := b.queue[v]; ok {
		b.mu.RUnlock()
		return q
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queue[v]; ok {
		if b.log != nil {
			b.log.Debug("queue already registered", "vp", v)
		}
		return q
	}
	q := newQueue(b.cap)
	b.queue[v] = q
	return q
}

// Queue looks up an already-registered queue, or nil if none exists.
func (b *Bus) Queue(v hvdef.VpIndex) *Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queue[v]
}

// MustQueue panics if v has no registered queue; every caller in the
// bring-up protocol only ever targets a VP after RegisterQueue has run
// for it, so a miss here means a programming error, not guest input.
func (b *Bus) MustQueue(v hvdef.VpIndex) *Queue {
	q := b.Queue(v)
	if q == nil {
		panic(fmt.Sprintf("opentmk: no command queue registered for vp %d", v))
	}
	return q
}

// Queue is a fixed-capacity circular buffer of Command, guarded by its
// own sync.Mutex plus a sync.Cond for blocking Recv/Send-on-full —
// container/list would allocate per node, and the teacher favors
// preallocated slices (internal/timeslice's fixed-capacity recorder).
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []Command
	head     int
	count    int
}

func newQueue(capacity int) *Queue {
	q := &Queue{buf: make([]Command, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) cap_() int { return len(q.buf) }

// Send pushes item to the back of the queue, blocking via the Cond when
// full.
func (q *Queue) Send(item Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == q.cap_() {
		q.notFull.Wait()
	}
	tail := (q.head + q.count) % q.cap_()
	q.buf[tail] = item
	q.count++
	q.notEmpty.Signal()
}

// SendPriority pushes item to the front of the queue. Used by the
// bring-up protocol to re-queue mismatched commands when the peek-and-pop
// variant is chosen; the peek-without-pop default does not need it, but
// the Orchestrator's nested re-entrant dispatch still benefits from
// explicit front-insertion for bootstrap commands.
func (q *Queue) SendPriority(item Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == q.cap_() {
		q.notFull.Wait()
	}
	q.head = (q.head - 1 + q.cap_()) % q.cap_()
	q.buf[q.head] = item
	q.count++
	q.notEmpty.Signal()
}

// Recv blocks until non-empty, then pops the front item. ctx cancellation
// is accepted at this layer only to bound test-harness shutdown; it is
// never used by the guest bring-up path itself (commands carry no
// cancellation or timeout semantics).
func (q *Queue) Recv(ctx context.Context) (Command, bool) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		defer stop()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 {
		if ctx.Err() != nil {
			return Command{}, false
		}
		q.notEmpty.Wait()
	}
	item := q.buf[q.head]
	q.head = (q.head + 1) % q.cap_()
	q.count--
	q.notFull.Signal()
	return item, true
}

// Peek non-destructively reads the front item, backing the worker loop's
// preferred peek-without-pop variant.
func (q *Queue) Peek() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Command{}, false
	}
	return q.buf[q.head], true
}

// Pop removes the front item without requiring the caller to have seen it
// via Recv first; used once a Peek has confirmed the item is ready to run.
func (q *Queue) Pop() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Command{}, false
	}
	item := q.buf[q.head]
	q.head = (q.head + 1) % q.cap_()
	q.count--
	q.notFull.Signal()
	return item, true
}

// Len reports the number of queued commands, mainly for tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
