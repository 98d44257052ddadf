package reactor

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription delivers events to its handler on a dedicated goroutine.
// The queue is unbounded so a slow handler never stalls the store writer.
type Subscription struct {
	id      uuid.UUID
	filter  filter
	handler Handler
	r       *Reactor

	mu    sync.Mutex
	queue []Event
	seq   uint64
	wake  chan struct{}

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(r *Reactor, f filter, h Handler) *Subscription {
	return &Subscription{
		id:      uuid.New(),
		filter:  f,
		handler: h,
		r:       r,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Subscription) ID() string { return s.id.String() }

func (s *Subscription) Kind() Kind { return s.filter.kind }

// SensorID is the canonical id of the observed sensor; empty for the sensor set.
func (s *Subscription) SensorID() string { return s.filter.sensorID }

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.done)
	for {
		for {
			select {
			case <-s.quit:
				return
			default:
			}
			ev, ok := s.next()
			if !ok {
				break
			}
			s.handler(ev)
		}

		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			s.stop()
			return
		case <-s.wake:
		}
	}
}

// stop unregisters the subscription and signals the pump. Idempotent.
func (s *Subscription) stop() {
	s.closeOnce.Do(func() {
		s.r.remove(s.id)
		close(s.quit)
		s.r.logger.Debug("subscription closed", "sub_id", s.id)
	})
}

// Close ends the subscription. Once Close returns the handler is not running
// and will not be called again. Repeated calls are no-ops. Close must not be
// called from the handler; cancel the subscription context instead.
func (s *Subscription) Close() {
	s.stop()
	<-s.done
}

// Done is closed when the subscription has stopped delivering.
func (s *Subscription) Done() <-chan struct{} { return s.done }
