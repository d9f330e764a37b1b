package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"github.com/xiaot623/crmweb/internal/domain"
)

// Subscription is one consumer of a Broadcaster. A goroutine copies events
// from the broadcaster's ring, starting at the subscription's cursor, into
// the delivery channel.
type Subscription struct {
	ID string

	b      *Broadcaster
	next   uint64 // owned by pump
	ch     chan domain.Event
	wakeCh chan struct{}
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
	err    error
}

func newSubscription(b *Broadcaster, next uint64, buffer int) *Subscription {
	return &Subscription{
		ID:     uuid.New().String(),
		b:      b,
		next:   next,
		ch:     make(chan domain.Event, buffer),
		wakeCh: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Events returns the delivery channel. It is closed when the stream
// completes, when the subscription is closed, or when the subscriber fell
// behind the replay buffer.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Done is closed together with the events channel.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err blocks until the subscription has ended and reports why it ended
// early. It is nil for a normal completion or an explicit Close.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close detaches the subscription. Events not yet received may be dropped.
// Calling it after completion is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.stop) })
	s.b.remove(s.ID)
}

// wake is called with the broadcaster lock held; it never blocks.
func (s *Subscription) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer func() {
		s.b.remove(s.ID)
		close(s.ch)
		close(s.done)
	}()

	for {
		batch, closed, err := s.b.readFrom(s.next)
		if err != nil {
			s.err = err
			return
		}
		for _, evt := range batch {
			select {
			case s.ch <- evt:
				s.next = evt.Seq + 1
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-s.wakeCh:
		case <-s.stop:
			return
		}
	}
}
