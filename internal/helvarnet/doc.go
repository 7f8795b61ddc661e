// Package helvarnet implements a client for the HelvarNet lighting
// control protocol (ASCII over TCP, default port 50000).
//
// The package is organised as a small pipeline:
//
//   - Wire codec (frame.go, commands.go): pure encode/decode of `>` command,
//     `?` query, and `!` reply/notification frames terminated by `#`.
//   - Transport (transport.go): one long-lived TCP connection per router,
//     splitting the byte stream into discrete frames.
//   - Dispatcher (dispatcher.go): correlates outgoing queries with incoming
//     replies by command number and target address.
//   - Registries (device.go, group.go): live device state applied from
//     asynchronous notifications, and groups whose aggregate state is always
//     derived from member devices.
//   - Subscription bus (bus.go): per-address callback fan-out after every
//     state mutation.
//   - Router façade (router.go, discovery.go): the single object callers
//     use to connect, discover, query, command, and subscribe.
//
// # Concurrency
//
// One goroutine (the frame pump, started by Router.Connect) is the sole
// writer of registry state. Registries guard their maps with RWMutex so any
// goroutine may read concurrently. Notifications are applied in the exact
// order they arrive on the wire; later notifications win.
//
// # Reconnection
//
// The transport does not reconnect automatically. On an unexpected
// disconnect, in-flight queries fail with ErrConnectionLost and the Router
// reports the loss through OnDisconnect. Re-sending a level command after a
// disconnect with unknown outcome risks duplicate or stale effects, so
// reconnection is a deliberate caller decision via Connect.
package helvarnet
