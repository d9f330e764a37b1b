// Package broadcast provides the per-run event fan-out used by the ledger.
//
// A Broadcaster has exactly one producer (the worker output reader) and any
// number of subscribers. Events live in a bounded ring; each subscription
// keeps a cursor into it and is only woken by Publish, so publishing never
// blocks on a slow subscriber. A subscriber that falls so far behind that its
// next event has left the ring is ended with ErrSlowSubscriber.
package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/crmweb/internal/domain"
)

const (
	// DefaultBufferSize is the replay buffer cap used when none is configured.
	DefaultBufferSize = 10000
	// DefaultSubscriberBuffer is the capacity of each subscription's
	// delivery channel.
	DefaultSubscriberBuffer = 256

	// maxBatch bounds how many events a subscription copies out of the ring
	// at once.
	maxBatch = 512
)

var (
	// ErrReleased is returned by Subscribe after the broadcaster was evicted.
	ErrReleased = errors.New("broadcaster released")
	// ErrSlowSubscriber is reported by a subscription whose next event was
	// dropped from the replay buffer before it could be delivered.
	ErrSlowSubscriber = errors.New("subscriber fell behind the replay buffer")
)

// Options configures a Broadcaster.
type Options struct {
	BufferSize       int
	SubscriberBuffer int
}

// Broadcaster fans one ordered event stream out to many subscriptions.
type Broadcaster struct {
	bufferSize int
	subBuffer  int

	mu       sync.Mutex
	ring     []domain.Event
	head     int // index of the oldest event in ring
	count    int
	seq      uint64
	subs     map[string]*Subscription
	closed   bool
	released bool
}

// New creates a Broadcaster.
func New(opts Options) *Broadcaster {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		bufferSize: opts.BufferSize,
		subBuffer:  opts.SubscriberBuffer,
		ring:       make([]domain.Event, 0, min(opts.BufferSize, 256)),
		subs:       make(map[string]*Subscription),
	}
}

// Publish appends data to the replay buffer and wakes every live
// subscription. It returns false once the stream is closed.
func (b *Broadcaster) Publish(data json.RawMessage) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domain.Event{}, false
	}

	b.seq++
	evt := domain.Event{
		Seq:  b.seq,
		Type: eventType(data),
		Data: data,
		Ts:   time.Now(),
	}
	b.append(evt)
	b.wakeLocked()
	return evt, true
}

// wakeLocked nudges every subscription to read from its cursor.
// Caller must hold b.mu.
func (b *Broadcaster) wakeLocked() {
	for _, sub := range b.subs {
		sub.wake()
	}
}

// append adds evt to the ring, dropping the oldest entry when full.
// Caller must hold b.mu.
func (b *Broadcaster) append(evt domain.Event) {
	if b.count < b.bufferSize {
		if len(b.ring) < b.bufferSize {
			b.ring = append(b.ring, evt)
		} else {
			b.ring[(b.head+b.count)%b.bufferSize] = evt
		}
		b.count++
		return
	}
	b.ring[b.head] = evt
	b.head = (b.head + 1) % b.bufferSize
}

// oldestSeq returns the sequence number of the oldest buffered event.
// Caller must hold b.mu.
func (b *Broadcaster) oldestSeq() uint64 {
	return b.seq - uint64(b.count) + 1
}

// readFrom copies the buffered events starting at seq next. It reports
// whether the stream is closed, and fails when next has already been dropped
// from the ring or the broadcaster was released.
func (b *Broadcaster) readFrom(next uint64) ([]domain.Event, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil, true, ErrReleased
	}
	oldest := b.oldestSeq()
	if next < oldest {
		slog.Warn("subscriber fell behind, dropping it", "next_seq", next, "oldest_seq", oldest)
		return nil, true, ErrSlowSubscriber
	}
	if next > b.seq {
		return nil, b.closed, nil
	}

	last := min(b.seq, next+maxBatch-1)
	out := make([]domain.Event, 0, last-next+1)
	for seq := next; seq <= last; seq++ {
		out = append(out, b.ring[(b.head+int(seq-oldest))%len(b.ring)])
	}
	return out, b.closed, nil
}

// Subscribe registers a new subscription. With replay set it starts at the
// oldest buffered event, otherwise at the next one to be published. The
// cursor is fixed under the publish lock so nothing is duplicated or skipped.
// Subscribing to a closed stream yields the replay followed by a closed channel.
func (b *Broadcaster) Subscribe(replay bool) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil, ErrReleased
	}

	next := b.seq + 1
	if replay {
		next = b.oldestSeq()
	}

	sub := newSubscription(b, next, b.subBuffer)
	if !b.closed {
		b.subs[sub.ID] = sub
	}
	go sub.pump()
	return sub, nil
}

// Close marks the stream complete. Every current subscription channel is
// closed once; later subscriptions only get the replay. Close is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Broadcaster) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	b.wakeLocked()
	clear(b.subs)
}

// Release closes the stream and rejects all further subscriptions.
func (b *Broadcaster) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	b.released = true
	b.ring = nil
	b.head, b.count = 0, 0
}

// Len returns the number of events currently held for replay.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Published returns the number of events published so far.
func (b *Broadcaster) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func eventType(data json.RawMessage) domain.EventType {
	var head struct {
		Type domain.EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}
