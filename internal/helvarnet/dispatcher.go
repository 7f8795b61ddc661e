package helvarnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueryTimeout bounds how long a query waits for its reply.
const defaultQueryTimeout = 5 * time.Second

// Sender hands encoded frames to the transport. Satisfied by *Transport;
// mocked in tests.
type Sender interface {
	Send(ctx context.Context, frame string) error
}

// waitKey identifies a pending query in the wait table.
//
// HelvarNet replies carry no caller-chosen correlation ID, so replies
// are matched by command number plus target address or group. The
// router replies to queries for a given target in issue order, and the
// dispatcher serialises queries per target, which makes FIFO matching
// per key exact.
type waitKey struct {
	command int
	target  string
}

// pendingQuery is one caller waiting for a reply.
type pendingQuery struct {
	replyCh chan QueryReply
	errCh   chan error

	// abandoned is set when the caller gives up (context cancellation)
	// before the timeout. The entry stays in the wait table until its
	// timer fires so a late reply is drained against it instead of
	// being matched to a subsequent query for the same target.
	abandoned atomic.Bool

	timer *time.Timer
}

// Dispatcher correlates outgoing queries with incoming replies and
// provides the fire-and-forget send primitive.
//
// Thread Safety: all methods are safe for concurrent use. Any number of
// callers may query concurrently; queries to the same target are
// serialised, queries to distinct targets proceed independently.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	logger  Logger

	mu       sync.Mutex
	waiting  map[waitKey][]*pendingQuery
	keyLocks map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher writing through the given sender.
// A zero timeout selects the default (5 seconds).
func NewDispatcher(sender Sender, timeout time.Duration, logger Logger) *Dispatcher {
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		sender:   sender,
		timeout:  timeout,
		logger:   logger,
		waiting:  make(map[waitKey][]*pendingQuery),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Send encodes and transmits a fire-and-forget command. It returns once
// the frame is handed to the transport; send failures always surface.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) error {
	return d.sender.Send(ctx, EncodeCommand(cmd))
}

// Query sends a query and blocks the caller until the matching reply
// arrives, the timeout elapses (ErrQueryTimeout), the connection drops
// (ErrConnectionLost), or ctx is cancelled.
//
// On timeout the pending entry is removed from the wait table and the
// error surfaces to the caller; there is no automatic retry. On context
// cancellation the entry is marked abandoned but left registered until
// its deadline, so an eventual late reply is drained rather than
// corrupting correlation for the next query to the same target.
func (d *Dispatcher) Query(ctx context.Context, cmd Command) (QueryReply, error) {
	target := cmd.TargetKey()
	key := waitKey{command: cmd.Number, target: target}

	// One in-flight query per addressable entity.
	lock := d.keyLock(target)
	lock.Lock()
	defer lock.Unlock()

	p := &pendingQuery{
		replyCh: make(chan QueryReply, 1),
		errCh:   make(chan error, 1),
	}
	// The timer must be set before the entry is visible in the wait
	// table: HandleReply and FailAll stop it as soon as they can see p.
	p.timer = time.AfterFunc(d.timeout, func() { d.expire(key, p) })

	d.mu.Lock()
	d.waiting[key] = append(d.waiting[key], p)
	d.mu.Unlock()

	if err := d.sender.Send(ctx, EncodeQuery(cmd)); err != nil {
		p.timer.Stop()
		d.remove(key, p)
		return QueryReply{}, err
	}

	select {
	case reply := <-p.replyCh:
		p.timer.Stop()
		return reply, nil
	case err := <-p.errCh:
		return QueryReply{}, err
	case <-ctx.Done():
		p.abandoned.Store(true)
		return QueryReply{}, fmt.Errorf("helvar: query abandoned: %w", ctx.Err())
	}
}

// HandleReply routes a decoded reply to the oldest pending query for
// its key. Replies with no pending query are logged and dropped.
func (d *Dispatcher) HandleReply(m Message) {
	cmdNum, target := m.Key()
	key := waitKey{command: cmdNum, target: target}

	d.mu.Lock()
	queue := d.waiting[key]
	if len(queue) == 0 {
		d.mu.Unlock()
		d.logger.Debug("unmatched reply dropped", "command", cmdNum, "target", target)
		return
	}
	p := queue[0]
	if len(queue) == 1 {
		delete(d.waiting, key)
	} else {
		d.waiting[key] = queue[1:]
	}
	d.mu.Unlock()

	p.timer.Stop()

	if p.abandoned.Load() {
		d.logger.Debug("drained reply for abandoned query", "command", cmdNum, "target", target)
		return
	}

	switch r := m.(type) {
	case QueryReply:
		p.replyCh <- r
	case CommandReply:
		p.errCh <- fmt.Errorf("%w: code %d for command %d", ErrRouterError, r.Status, r.Command)
	default:
		d.logger.Warn("unexpected message type in reply path", "command", cmdNum)
	}
}

// FailAll fails every in-flight query with ErrConnectionLost and clears
// the wait table. Called when the transport reports a disconnect so no
// query ever hangs past a connection loss.
func (d *Dispatcher) FailAll(cause error) {
	d.mu.Lock()
	waiting := d.waiting
	d.waiting = make(map[waitKey][]*pendingQuery)
	d.mu.Unlock()

	err := error(ErrConnectionLost)
	if cause != nil && !errors.Is(cause, ErrConnectionLost) {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}

	for _, queue := range waiting {
		for _, p := range queue {
			p.timer.Stop()
			p.errCh <- err
		}
	}
}

// expire removes a timed-out query from the wait table and surfaces
// ErrQueryTimeout unless the reply won the race.
func (d *Dispatcher) expire(key waitKey, p *pendingQuery) {
	if !d.remove(key, p) {
		return
	}
	p.errCh <- fmt.Errorf("%w: command %d target %q after %v",
		ErrQueryTimeout, key.command, key.target, d.timeout)
}

// remove deletes p from the wait table. Returns false if p was already
// delivered or removed.
func (d *Dispatcher) remove(key waitKey, p *pendingQuery) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.waiting[key]
	for i, q := range queue {
		if q == p {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(d.waiting, key)
			} else {
				d.waiting[key] = queue
			}
			return true
		}
	}
	return false
}

// keyLock returns the serialisation mutex for a target, creating it on
// first use. Entries are never removed; the map is bounded by the
// number of addressable entities on the router.
func (d *Dispatcher) keyLock(target string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.keyLocks[target]
	if !ok {
		lock = &sync.Mutex{}
		d.keyLocks[target] = lock
	}
	return lock
}
