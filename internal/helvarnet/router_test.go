package helvarnet

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeRouter is a scripted HelvarNet endpoint: it answers known query
// frames from a canned table, records everything it receives, and can
// push unsolicited notifications.
type fakeRouter struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	replies  map[string]string
	received []string
	conn     net.Conn

	connected chan struct{}
}

func newFakeRouter(t *testing.T, replies map[string]string) *fakeRouter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	f := &fakeRouter{
		t:         t,
		ln:        ln,
		replies:   replies,
		connected: make(chan struct{}),
	}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeRouter) port() int {
	_, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func (f *fakeRouter) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	close(f.connected)

	scanner := bufio.NewScanner(conn)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '#'); i >= 0 {
			return i + 1, data[:i+1], nil
		}
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	})

	for scanner.Scan() {
		frame := scanner.Text()
		f.mu.Lock()
		f.received = append(f.received, frame)
		reply, ok := f.replies[frame]
		f.mu.Unlock()
		if ok {
			conn.Write([]byte(reply))
		}
	}
}

// push writes an unsolicited frame to the client.
func (f *fakeRouter) push(frame string) {
	<-f.connected
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Write([]byte(frame))
}

// dropConnection closes the server side of the TCP connection.
func (f *fakeRouter) dropConnection() {
	<-f.connected
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Close()
}

func (f *fakeRouter) sawFrame(frame string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.received {
		if got == frame {
			return true
		}
	}
	return false
}

func (f *fakeRouter) waitForFrame(frame string) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.sawFrame(frame) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	f.t.Fatalf("fake router never received %q", frame)
}

// discoveryScript answers a sweep of one group with a dimmer and a
// colour fixture.
func discoveryScript() map[string]string {
	return map[string]string{
		"?V:2,C:165#":            "?V:2,C:165=1#",
		"?V:2,C:164,G:1#":        "?V:2,C:164,G:1=@1.1.1.1,@1.1.1.2#",
		"?V:2,C:105,G:1#":        "?V:2,C:105,G:1=Kitchen#",
		"?V:2,C:104,@1.1.1.1#":   "?V:2,C:104,@1.1.1.1=1025#", // DALI type 4 dimmer
		"?V:2,C:104,@1.1.1.2#":   "?V:2,C:104,@1.1.1.2=2049#", // DALI type 8 colour
		"?V:2,C:106,@1.1.1.1#":   "?V:2,C:106,@1.1.1.1=Spots#",
		"?V:2,C:106,@1.1.1.2#":   "?V:2,C:106,@1.1.1.2=Strip#",
		"?V:2,C:152,@1.1.1.1#":   "?V:2,C:152,@1.1.1.1=50.2#",
		"?V:2,C:152,@1.1.1.2#":   "?V:2,C:152,@1.1.1.2=0#",
	}
}

func connectTestRouter(t *testing.T, fake *fakeRouter) *Router {
	t.Helper()
	r := NewRouter(RouterConfig{
		Host:            "127.0.0.1",
		Port:            fake.port(),
		QueryTimeout:    2 * time.Second,
		DefaultFadeTime: 100,
	})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRouterDiscover(t *testing.T) {
	fake := newFakeRouter(t, discoveryScript())
	r := connectTestRouter(t, fake)

	if err := r.Discover(context.Background(), DiscoverOptions{}); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	groups := r.Groups()
	if len(groups) != 1 {
		t.Fatalf("Groups() = %d, want 1", len(groups))
	}
	if groups[0].ID != 1 || groups[0].Name != "Kitchen" || len(groups[0].Members) != 2 {
		t.Errorf("group = %+v", groups[0])
	}

	dimmer, ok := r.Device(Address{1, 1, 1, 1})
	if !ok {
		t.Fatal("dimmer not discovered")
	}
	if !dimmer.IsLoad || dimmer.IsColor || dimmer.Name != "Spots" || dimmer.LoadLevel != 50.2 {
		t.Errorf("dimmer = %+v", dimmer)
	}

	colour, ok := r.Device(Address{1, 1, 1, 2})
	if !ok {
		t.Fatal("colour fixture not discovered")
	}
	if !colour.IsColor || colour.Name != "Strip" || colour.LoadLevel != 0 {
		t.Errorf("colour fixture = %+v", colour)
	}

	state, err := r.GroupState(1, nil)
	if err != nil {
		t.Fatalf("GroupState: %v", err)
	}
	if !state.Capabilities.Has(CapabilityColorTemp) || !state.Capabilities.Has(CapabilityBrightness) {
		t.Errorf("group capabilities = %v", state.Capabilities.Names())
	}
	if !state.IsOn || state.Brightness != 128 {
		t.Errorf("group state = %+v, want on at brightness 128", state)
	}
}

func TestRouterDiscoverSkipNames(t *testing.T) {
	fake := newFakeRouter(t, discoveryScript())
	r := connectTestRouter(t, fake)

	if err := r.Discover(context.Background(), DiscoverOptions{SkipNames: true}); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if fake.sawFrame("?V:2,C:105,G:1#") || fake.sawFrame("?V:2,C:106,@1.1.1.1#") {
		t.Error("description queries sent despite SkipNames")
	}
	if g, _ := r.Group(1); g.Name != "" {
		t.Errorf("group name = %q, want empty", g.Name)
	}
}

func TestRouterDiscoverClassificationFallback(t *testing.T) {
	// The type query for one device is unanswerable; discovery must keep
	// the device with default load capabilities instead of dropping it.
	script := discoveryScript()
	delete(script, "?V:2,C:104,@1.1.1.2#")

	fake := newFakeRouter(t, script)
	r := NewRouter(RouterConfig{
		Host:         "127.0.0.1",
		Port:         fake.port(),
		QueryTimeout: 50 * time.Millisecond,
	})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Close()

	if err := r.Discover(context.Background(), DiscoverOptions{SkipNames: true}); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	d, ok := r.Device(Address{1, 1, 1, 2})
	if !ok {
		t.Fatal("device with failed classification was dropped")
	}
	if !d.IsLoad || d.IsColor || d.IsSwitch {
		t.Errorf("fallback classification = %+v, want plain dimmable load", d)
	}
}

func TestRouterNotificationUpdatesState(t *testing.T) {
	fake := newFakeRouter(t, discoveryScript())
	r := connectTestRouter(t, fake)

	if err := r.Discover(context.Background(), DiscoverOptions{SkipNames: true}); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	changed := make(chan struct{}, 1)
	r.Subscribe(DeviceKey(Address{1, 1, 1, 1}), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	fake.push("!V:2,C:14,@1.1.1.1,L:78.4,F:100#")

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never notified")
	}

	d, _ := r.Device(Address{1, 1, 1, 1})
	if d.LoadLevel != 78.4 {
		t.Errorf("LoadLevel = %v, want 78.4", d.LoadLevel)
	}
	if d.Brightness() != 200 {
		t.Errorf("Brightness = %d, want 200", d.Brightness())
	}
}

func TestRouterCommandsOnTheWire(t *testing.T) {
	fake := newFakeRouter(t, discoveryScript())
	r := connectTestRouter(t, fake)
	ctx := context.Background()

	// Zero fade selects the configured default (100).
	if err := r.SetDeviceBrightness(ctx, Address{1, 1, 1, 1}, 200, 0); err != nil {
		t.Fatalf("SetDeviceBrightness: %v", err)
	}
	fake.waitForFrame(">V:2,C:14,@1.1.1.1,L:78.4,F:100#")

	if err := r.SetGroupLevel(ctx, 1, 0, 50); err != nil {
		t.Fatalf("SetGroupLevel: %v", err)
	}
	fake.waitForFrame(">V:2,C:13,G:1,L:0,F:50#")

	if err := r.RecallScene(ctx, 1, 1, 3, 0); err != nil {
		t.Fatalf("RecallScene: %v", err)
	}
	fake.waitForFrame(">V:2,C:11,G:1,B:1,S:3,F:100#")

	if err := r.SetDeviceColorTemperature(ctx, Address{1, 1, 1, 2}, 370, 80, 0); err != nil {
		t.Fatalf("SetDeviceColorTemperature: %v", err)
	}
	fake.waitForFrame(">V:2,C:19,@1.1.1.2,T:370,L:80.0,F:100#")

	if err := r.SendRaw(ctx, ">V:2,C:165"); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	fake.waitForFrame(">V:2,C:165#")
}

func TestRouterDisconnectFailsInFlightQueries(t *testing.T) {
	fake := newFakeRouter(t, map[string]string{})
	r := connectTestRouter(t, fake)

	// Every registered callback fires, not just the first.
	lost := make(chan error, 1)
	r.OnDisconnect(func(cause error) { lost <- cause })
	lostToo := make(chan error, 1)
	r.OnDisconnect(func(cause error) { lostToo <- cause })

	queryDone := make(chan error, 1)
	go func() {
		_, err := r.Query(context.Background(), QueryGroups())
		queryDone <- err
	}()

	fake.waitForFrame("?V:2,C:165#")
	fake.dropConnection()

	select {
	case err := <-queryDone:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("in-flight query error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight query hung past disconnect")
	}

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never fired")
	}
	select {
	case <-lostToo:
	case <-time.After(2 * time.Second):
		t.Fatal("second OnDisconnect callback never fired")
	}

	// No automatic reconnect: the router stays down until told otherwise.
	time.Sleep(50 * time.Millisecond)
	if r.Connected() {
		t.Error("Connected() = true after disconnect")
	}
}

func TestRouterStatePersistsAfterClose(t *testing.T) {
	fake := newFakeRouter(t, discoveryScript())
	r := connectTestRouter(t, fake)

	if err := r.Discover(context.Background(), DiscoverOptions{SkipNames: true}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if r.Connected() {
		t.Error("Connected() = true after Close")
	}
	if len(r.Devices()) != 2 {
		t.Errorf("devices lost on Close: %d remain", len(r.Devices()))
	}
	if _, err := r.Query(context.Background(), QueryGroups()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Query after Close = %v, want ErrNotConnected", err)
	}
	if err := r.SetGroupLevel(context.Background(), 1, 50, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("command after Close = %v, want ErrNotConnected", err)
	}
}

func TestRouterMalformedFrameDoesNotKillPump(t *testing.T) {
	fake := newFakeRouter(t, discoveryScript())
	r := connectTestRouter(t, fake)

	fake.push("!V:2,C:garbage#")
	fake.push("!V:2,C:11,G:1,S:2#") // valid frame after the bad one

	// The pump must still be alive to answer queries.
	if err := r.Discover(context.Background(), DiscoverOptions{SkipNames: true}); err != nil {
		t.Fatalf("Discover after malformed frame: %v", err)
	}

	stats := r.Stats()
	if stats.MalformedRx == 0 {
		t.Error("MalformedRx = 0, want at least 1")
	}
}
