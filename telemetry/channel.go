package telemetry

import (
	"context"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

var (
	// ErrTerminated is reported to subscribers when the telemetry socket fails
	// for good.
	ErrTerminated = errors.New("telemetry channel terminated")
	// ErrClosed is the default close cause.
	ErrClosed = errors.New("telemetry channel closed")
)

// ReadBackoff bounds how long Serve keeps retrying a failing socket.
type ReadBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

// DefaultReadBackoff retries for up to ten seconds.
var DefaultReadBackoff = ReadBackoff{
	Initial:    5 * time.Millisecond,
	Max:        500 * time.Millisecond,
	MaxElapsed: 10 * time.Second,
}

// Channel holds the latest snapshot and fans events out to subscribers.
// Ingest is meant for a single producer; everything else is safe for
// concurrent use.
type Channel struct {
	logger  logging.Logger
	backoff ReadBackoff

	latest  atomic.Pointer[Snapshot]
	updates atomic.Uint64
	dropped atomic.Uint64

	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	closeErr    error
}

// NewChannel returns an open channel with an empty snapshot.
func NewChannel(logger logging.Logger) *Channel {
	c := &Channel{
		logger:      logger,
		backoff:     DefaultReadBackoff,
		subscribers: make(map[*Subscription]struct{}),
	}
	c.latest.Store(&Snapshot{})
	return c
}

// SetReadBackoff replaces the retry policy used by Serve.
func (c *Channel) SetReadBackoff(b ReadBackoff) {
	c.backoff = b
}

// Latest returns a copy of the most recent snapshot.
func (c *Channel) Latest() Snapshot {
	return c.latest.Load().Clone()
}

// Updates counts packets that decoded successfully.
func (c *Channel) Updates() uint64 {
	return c.updates.Load()
}

// Dropped counts malformed packets.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Ingest decodes one packet. A malformed packet keeps the previous snapshot's
// data and only flags it with ErrCodeParse.
func (c *Channel) Ingest(packet []byte) error {
	s, err := DecodePacket(packet)
	if err != nil {
		prev := c.latest.Load().Clone()
		prev.ErrCode = ErrCodeParse
		c.latest.Store(&prev)
		c.dropped.Add(1)
		return err
	}
	c.latest.Store(&s)
	c.updates.Add(1)
	return nil
}

// Publish delivers ev to every current subscriber in call order.
func (c *Channel) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return
	}
	for sub := range c.subscribers {
		sub.push(ev)
	}
}

// Subscribe starts a new event sequence beginning with the next Publish. On a
// closed channel the subscription reports the close cause immediately.
func (c *Channel) Subscribe() *Subscription {
	sub := &Subscription{ch: c, notify: make(chan struct{}, 1)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		sub.finish(c.closeErr)
		return sub
	}
	c.subscribers[sub] = struct{}{}
	return sub
}

// Events is a lazy sequence of events. Each range over it subscribes afresh,
// so it can be restarted after a break. The sequence ends after yielding the
// close cause, or when ctx is done.
func (c *Channel) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		sub := c.Subscribe()
		defer sub.Close()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close ends every subscription with cause (ErrClosed if nil). Later calls are
// no-ops.
func (c *Channel) Close(cause error) {
	if cause == nil {
		cause = ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return
	}
	c.closeErr = cause
	for sub := range c.subscribers {
		sub.finish(cause)
	}
	clear(c.subscribers)
}

// Err returns the close cause, or nil while open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Channel) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, sub)
}

// Serve reads datagrams from conn until ctx is done or the socket fails
// permanently. Transient read errors are retried with exponential backoff; a
// closed socket or exhausted backoff closes the channel with ErrTerminated.
func (c *Channel) Serve(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, 2048)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff.Initial
	b.MaxInterval = c.backoff.Max
	b.MaxElapsedTime = c.backoff.MaxElapsed
	b.Reset()

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		n, _, err := conn.ReadFrom(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				c.logger.Warnf("telemetry socket closed: %v", err)
				c.Close(ErrTerminated)
				return ErrTerminated
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				c.logger.Warnf("telemetry socket kept failing, giving up: %v", err)
				c.Close(ErrTerminated)
				return errors.Wrap(ErrTerminated, err.Error())
			}
			c.logger.Debugf("telemetry read error, retrying in %s: %v", wait, err)
			if !utils.SelectContextOrWait(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()

		if err := c.Ingest(buf[:n]); err != nil {
			c.logger.Debugf("dropping telemetry packet: %v", err)
		}
	}
}

// Subscription is one consumer's ordered, unbounded event queue.
type Subscription struct {
	ch     *Channel
	notify chan struct{}

	mu    sync.Mutex
	queue []Event
	err   error
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.err == nil {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish(cause error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = cause
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event arrives, the subscription ends, or ctx is done.
// Events queued before the channel closed are still delivered; after them Next
// returns the close cause.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Event{}, err
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close unsubscribes. Pending events are discarded.
func (s *Subscription) Close() {
	s.ch.unsubscribe(s)
	s.mu.Lock()
	s.queue = nil
	if s.err == nil {
		s.err = ErrClosed
	}
	s.mu.Unlock()
	s.signal()
}
