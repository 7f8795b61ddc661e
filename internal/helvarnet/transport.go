package helvarnet

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPort is the HelvarNet TCP port.
const DefaultPort = 50000

// Default timeouts and buffer sizes for router communication.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second

	// readBufferSize is the initial scanner buffer for incoming frames.
	readBufferSize = 512

	// maxFrameSize caps a single frame. Anything larger means the stream
	// has desynchronised and the connection must be dropped.
	maxFrameSize = 2048

	// frameQueueSize buffers decoded frames between the read loop and
	// the frame pump.
	frameQueueSize = 64
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// TransportConfig holds connection settings for a single router.
type TransportConfig struct {
	// ConnectTimeout is the maximum time to wait for the TCP connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout is the deadline applied to each frame write.
	// Default: 5 seconds.
	WriteTimeout time.Duration

	// Logger is optional; nil disables logging.
	Logger Logger
}

// TransportStats holds operational statistics.
type TransportStats struct {
	FramesTx     uint64
	FramesRx     uint64
	LastActivity time.Time
	Connected    bool
}

// Transport owns one long-lived TCP connection to a Helvar router and
// splits the incoming byte stream into discrete "#"-terminated frames.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Frames are delivered on the channel returned by Frames, in wire order.
//
// Reconnection is deliberately NOT automatic: on connection loss the
// transport marks itself disconnected, invokes the OnDisconnect callback
// once, and closes the frame channel. The owner decides whether and when
// to dial again.
type Transport struct {
	conn net.Conn
	cfg  TransportConfig

	frames chan string

	connMu    sync.RWMutex
	connected bool

	writeMu sync.Mutex

	onDisconnect   func(error)
	callbackMu     sync.RWMutex
	disconnectOnce sync.Once

	done *closeOnce
	wg   sync.WaitGroup

	logger Logger

	framesTx     atomic.Uint64
	framesRx     atomic.Uint64
	lastActivity atomic.Int64
}

// DialTransport establishes the TCP connection to a router and starts
// the frame read loop.
//
// Parameters:
//   - ctx: Context for cancellation of the initial dial
//   - host: Router hostname or IP
//   - port: TCP port (use DefaultPort unless the router is remapped)
//   - cfg: Transport configuration
//
// Returns:
//   - *Transport: Connected transport ready for use
//   - error: ErrConnectionFailed on refusal or timeout
func DialTransport(ctx context.Context, host string, port int, cfg TransportConfig) (*Transport, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, addr, err)
	}

	t := &Transport{
		conn:      conn,
		cfg:       cfg,
		frames:    make(chan string, frameQueueSize),
		connected: true,
		done:      newCloseOnce(),
		logger:    cfg.Logger,
	}
	t.lastActivity.Store(time.Now().Unix())

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

// Frames returns the channel of incoming frames (terminator included).
// The channel is closed when the connection drops or Close is called.
func (t *Transport) Frames() <-chan string {
	return t.frames
}

// SetOnDisconnect sets the callback invoked once when the connection is
// lost unexpectedly. It is not invoked for a deliberate Close.
func (t *Transport) SetOnDisconnect(callback func(error)) {
	t.callbackMu.Lock()
	t.onDisconnect = callback
	t.callbackMu.Unlock()
}

// Send writes a single frame to the router. It may block until the
// bytes are flushed, bounded by the write timeout.
//
// Returns ErrNotConnected when the connection is down and ErrSendFailed
// (wrapping the cause) when the write itself fails. A failed send always
// surfaces; it is never swallowed.
func (t *Transport) Send(ctx context.Context, frame string) error {
	if !t.Connected() {
		return ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if _, err := t.conn.Write([]byte(frame)); err != nil {
		t.handleDisconnect(err)
		return fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	t.framesTx.Add(1)
	t.lastActivity.Store(time.Now().Unix())
	return nil
}

// Connected returns true while the connection is up.
func (t *Transport) Connected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected
}

// Stats returns current transport statistics.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		FramesTx:     t.framesTx.Load(),
		FramesRx:     t.framesRx.Load(),
		LastActivity: time.Unix(t.lastActivity.Load(), 0),
		Connected:    t.Connected(),
	}
}

// Close shuts the connection down deliberately. Safe to call multiple
// times. The frame channel is closed after the read loop exits.
func (t *Transport) Close() error {
	t.done.Close()

	t.connMu.Lock()
	t.connected = false
	t.connMu.Unlock()

	t.conn.Close()
	t.wg.Wait()
	return nil
}

// readLoop reads frames until the connection drops or Close is called.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer close(t.frames)

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, readBufferSize), maxFrameSize)
	scanner.Split(scanFrames)

	for scanner.Scan() {
		frame := scanner.Text()
		t.framesRx.Add(1)
		t.lastActivity.Store(time.Now().Unix())

		select {
		case t.frames <- frame:
		case <-t.done.Done():
			return
		}
	}

	if t.isClosed() {
		return
	}

	err := scanner.Err()
	if err == nil {
		// Clean EOF from the router side still counts as a loss.
		err = ErrConnectionLost
	}
	t.handleDisconnect(err)
}

// handleDisconnect marks the connection down and fires the disconnect
// callback exactly once.
func (t *Transport) handleDisconnect(err error) {
	if t.isClosed() {
		return
	}

	t.connMu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.connMu.Unlock()

	if !wasConnected {
		return
	}

	t.logger.Warn("router connection lost", "error", err)
	t.conn.Close()

	t.disconnectOnce.Do(func() {
		t.callbackMu.RLock()
		callback := t.onDisconnect
		t.callbackMu.RUnlock()
		if callback != nil {
			callback(err)
		}
	})
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done.Done():
		return true
	default:
		return false
	}
}

// scanFrames is a bufio.SplitFunc that splits the stream on the "#"
// terminator, keeping the terminator in the token. Partial frames are
// buffered across reads; a partial frame at EOF is discarded.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, Terminator); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
