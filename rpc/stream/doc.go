// Package stream keeps a long-lived server stream (e.g. the /watch change feed)
// connected and fans its frames out to any number of subscribers.
//
// State Machine:
//
//	PAUSED --Start--> CONNECTING --first frame--> OPEN
//	  ^                   |                         |
//	  |   failed attempt  |                         | disconnect
//	  +-------------------+-------------------------+
//	CONNECTING --retry budget exhausted--> CLOSED
//	any state  --Close / auto close-------> CLOSED
//
// Backoff:
//
// The delay before attempt n+1 is min(base * multiplier^n, max), optionally
// randomized by a jitter fraction, where n is the retry count. Every failed
// attempt increments the retry count. A connection that stayed OPEN for at
// least MinStableMillisecond resets it when it drops, so the next delay is the
// base delay again. When the retry count reaches MaxRetryAttempts the manager
// emits a single Fatal error event and closes.
//
// Subscribers:
//
// Each subscriber has its own mailbox (lib/mailbox) and delivery goroutine.
// Events are pushed while holding the manager lock, so every subscriber sees
// every event in emission order, and a slow subscriber never delays the
// connection or the other subscribers. When the last subscriber leaves an
// auto close timer is armed, a new subscriber cancels it.
//
// Usage:
//
//	m := stream.NewManager(config.Stream, stream.TransportConnector(t, common.RouteWatch, nil))
//	unsubscribe := m.Subscribe(func(ev stream.Event) {
//		if ev.Type == stream.EventMessage {
//			handle(ev.Data)
//		}
//	})
//	defer unsubscribe()
//	m.Start()
//	defer m.Close()
package stream
