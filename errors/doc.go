// Package errors classifies failures for the gateway.
//
// Three classes drive handling decisions:
//
//   - Transient: NATS hiccups, KV timeouts, cancelled contexts. Callers may
//     retry or, for directory writes, log and carry on.
//   - Invalid: malformed packets and bad configuration values. Reported to
//     the peer or operator, never retried.
//   - Fatal: the process cannot run (missing or contradictory config).
//
// Wrap helpers produce messages of the form
//
//	component.method: action failed: cause
//
// and keep the cause reachable through errors.Is and errors.As.
//
// Routing sentinels (ErrDeviceNotFound, ErrClientNotFound, ...) are what the
// router returns to the gateway; PeerMessage maps any wrapped error to the
// reply text a device or dashboard is allowed to see.
package errors
