package helvarnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockSender records sent frames and can be told to fail.
type mockSender struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (m *mockSender) Send(_ context.Context, frame string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockSender) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

func TestDispatcherQueryReply(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(sender, time.Second, nil)

	done := make(chan struct{})
	var reply QueryReply
	var queryErr error
	go func() {
		defer close(done)
		reply, queryErr = d.Query(context.Background(), QueryGroups())
	}()

	waitForFrames(t, sender, 1)

	msg, err := DecodeFrame("?V:2,C:165=1,3,5#")
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	d.HandleReply(msg)

	<-done
	if queryErr != nil {
		t.Fatalf("Query error: %v", queryErr)
	}
	if len(reply.Values) != 3 || reply.Values[1] != "3" {
		t.Errorf("reply values = %v, want [1 3 5]", reply.Values)
	}
}

func TestDispatcherQueryTimeout(t *testing.T) {
	d := NewDispatcher(&mockSender{}, 20*time.Millisecond, nil)

	_, err := d.Query(context.Background(), QueryGroups())
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("error = %v, want ErrQueryTimeout", err)
	}
}

func TestDispatcherRouterErrorReply(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(sender, time.Second, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.Query(context.Background(), QueryLoadLevel(Address{1, 2, 3, 4}))
		done <- err
	}()

	waitForFrames(t, sender, 1)

	msg, err := DecodeFrame("!V:2,C:152,@1.2.3.4=1#")
	if err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	d.HandleReply(msg)

	if err := <-done; !errors.Is(err, ErrRouterError) {
		t.Fatalf("error = %v, want ErrRouterError", err)
	}
}

func TestDispatcherFailAll(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(sender, 10*time.Second, nil)

	const callers = 3
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		addr := Address{1, 1, 1, uint8(i + 1)}
		go func() {
			_, err := d.Query(context.Background(), QueryLoadLevel(addr))
			errs <- err
		}()
	}

	waitForFrames(t, sender, callers)
	d.FailAll(errors.New("tcp reset"))

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Errorf("error = %v, want ErrConnectionLost", err)
			}
		case <-time.After(time.Second):
			t.Fatal("query did not fail after FailAll")
		}
	}
}

// A cancelled query must stay registered until its deadline so its late
// reply is drained instead of answering the next query on the same key.
func TestDispatcherAbandonedQueryDrainsLateReply(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(sender, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := d.Query(ctx, QueryLoadLevel(Address{1, 2, 3, 4}))
		first <- err
	}()

	waitForFrames(t, sender, 1)
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned query error = %v, want context.Canceled", err)
	}

	second := make(chan QueryReply, 1)
	go func() {
		reply, err := d.Query(context.Background(), QueryLoadLevel(Address{1, 2, 3, 4}))
		if err != nil {
			t.Errorf("second query error: %v", err)
		}
		second <- reply
	}()

	waitForFrames(t, sender, 2)

	// Late reply for the abandoned query arrives first and must be
	// drained; the next reply belongs to the live query.
	late, _ := DecodeFrame("?V:2,C:152,@1.2.3.4=10.0#")
	d.HandleReply(late)

	fresh, _ := DecodeFrame("?V:2,C:152,@1.2.3.4=78.4#")
	d.HandleReply(fresh)

	select {
	case reply := <-second:
		if reply.Answer != "78.4" {
			t.Errorf("second query got answer %q, want %q (stale reply leaked)",
				reply.Answer, "78.4")
		}
	case <-time.After(time.Second):
		t.Fatal("second query never completed")
	}
}

// A late reply may land in the instant a new query for the same target
// is registering. The pending entry must be fully initialised by the
// time it is visible, so the reply path never touches a half-built one.
func TestDispatcherLateReplyRacesNewRegistration(t *testing.T) {
	addr := Address{1, 2, 3, 4}

	for i := 0; i < 50; i++ {
		sender := &mockSender{}
		d := NewDispatcher(sender, time.Second, nil)

		ctx, cancel := context.WithCancel(context.Background())
		first := make(chan error, 1)
		go func() {
			_, err := d.Query(ctx, QueryLoadLevel(addr))
			first <- err
		}()
		waitForFrames(t, sender, 1)
		cancel()
		if err := <-first; !errors.Is(err, context.Canceled) {
			t.Fatalf("abandoned query error = %v, want context.Canceled", err)
		}

		// Deliver the abandoned query's reply while the next query for
		// the same target registers.
		start := make(chan struct{})
		late, _ := DecodeFrame("?V:2,C:152,@1.2.3.4=10.0#")
		delivered := make(chan struct{})
		go func() {
			<-start
			d.HandleReply(late)
			close(delivered)
		}()

		second := make(chan QueryReply, 1)
		go func() {
			<-start
			reply, err := d.Query(context.Background(), QueryLoadLevel(addr))
			if err != nil {
				t.Errorf("second query error: %v", err)
			}
			second <- reply
		}()

		close(start)
		waitForFrames(t, sender, 2)
		<-delivered

		fresh, _ := DecodeFrame("?V:2,C:152,@1.2.3.4=78.4#")
		d.HandleReply(fresh)

		select {
		case reply := <-second:
			if reply.Answer != "78.4" {
				t.Fatalf("second query got answer %q, want %q", reply.Answer, "78.4")
			}
		case <-time.After(time.Second):
			t.Fatal("second query never completed")
		}
	}
}

// FailAll may fire from the transport callback while callers are still
// registering queries; no entry may be observed without its timer.
func TestDispatcherFailAllRacesRegistration(t *testing.T) {
	for i := 0; i < 50; i++ {
		sender := &mockSender{}
		d := NewDispatcher(sender, 10*time.Second, nil)

		start := make(chan struct{})
		errs := make(chan error, 1)
		go func() {
			<-start
			_, err := d.Query(context.Background(), QueryLoadLevel(Address{1, 1, 1, 1}))
			errs <- err
		}()
		go func() {
			<-start
			d.FailAll(errors.New("tcp reset"))
		}()

		close(start)
		waitForFrames(t, sender, 1)
		d.FailAll(errors.New("tcp reset"))

		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Fatalf("error = %v, want ErrConnectionLost", err)
			}
		case <-time.After(time.Second):
			t.Fatal("query did not fail after FailAll")
		}
	}
}

func TestDispatcherUnmatchedReplyDropped(t *testing.T) {
	d := NewDispatcher(&mockSender{}, time.Second, nil)

	msg, _ := DecodeFrame("?V:2,C:152,@9.9.2.9=50.0#")
	// Must not panic or block.
	d.HandleReply(msg)
}

func TestDispatcherSendFailureUnregisters(t *testing.T) {
	sendErr := errors.New("broken pipe")
	sender := &mockSender{err: sendErr}
	d := NewDispatcher(sender, time.Second, nil)

	_, err := d.Query(context.Background(), QueryGroups())
	if !errors.Is(err, sendErr) {
		t.Fatalf("error = %v, want %v", err, sendErr)
	}

	d.mu.Lock()
	pending := len(d.waiting)
	d.mu.Unlock()
	if pending != 0 {
		t.Errorf("wait table has %d entries after failed send, want 0", pending)
	}
}

func TestDispatcherSendEncodesCommand(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(sender, time.Second, nil)

	if err := d.Send(context.Background(), DirectLevelDevice(Address{1, 2, 3, 4}, 78.4, 100)); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	frames := sender.sent()
	if len(frames) != 1 || frames[0] != ">V:2,C:14,@1.2.3.4,L:78.4,F:100#" {
		t.Errorf("sent frames = %v", frames)
	}
}

func waitForFrames(t *testing.T, sender *mockSender, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.sent()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames (got %d)", n, len(sender.sent()))
}
