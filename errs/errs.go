// Package errs defines the typed error kinds the core raises, per the
// error-handling design: resolution-time errors, push-time errors, and the
// handful of transport/protocol errors that cross component boundaries. The
// remote-helper driver writes each error's Error() text into the
// "error <ref> <msg>" lines git expects; every kind has its own message.
package errs

import "fmt"

// BadUrl is returned by the URL parser for an unknown scheme, missing alias,
// or empty identifier.
type BadUrl struct {
	URL    string
	Reason string
}

func (e *BadUrl) Error() string {
	return fmt.Sprintf("bad nostr url %q: %s", e.URL, e.Reason)
}

// NoAnnouncement means the coordinate is known but no kind-30617 event was
// found for it within the discovery deadline. The coordinate is still
// usable by callers that pass --force.
type NoAnnouncement struct {
	Pubkey     string
	Identifier string
}

func (e *NoAnnouncement) Error() string {
	return fmt.Sprintf("no announcement found for %s/%s", e.Pubkey, e.Identifier)
}

// ForkSuspected is a warning-only condition: two announcements in the same
// maintainer set disagree on earliest-unique-commit.
type ForkSuspected struct {
	Identifier string
	Commits    []string
}

func (e *ForkSuspected) Error() string {
	return fmt.Sprintf("fork suspected for %s: disagreeing root commits %v", e.Identifier, e.Commits)
}

// Unauthorized means the pushing author is not in the maintainer set, or
// lacks their own announcement under the chain.
type Unauthorized struct {
	Pubkey string
	Reason string
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("%s not authorized: %s", e.Pubkey, e.Reason)
}

// AllEndpointsFailed is returned by the dispatcher when every clone[] server
// fails every protocol it tried, for one direction.
type AllEndpointsFailed struct {
	Direction string
	Attempts  []string
}

func (e *AllEndpointsFailed) Error() string {
	return fmt.Sprintf("all endpoints failed for %s: tried %v", e.Direction, e.Attempts)
}

// RelayQuorumFailed means an event did not reach any relay.
type RelayQuorumFailed struct {
	PerRelay map[string]string
}

func (e *RelayQuorumFailed) Error() string {
	return fmt.Sprintf("event rejected or unreachable on all %d relays", len(e.PerRelay))
}

// Timeout wraps any deadlined operation that exceeded its deadline.
type Timeout struct {
	Op string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout: %s", e.Op)
}

// ProtocolViolation means a git server returned a response the dispatcher
// or remote-helper driver could not make sense of.
type ProtocolViolation struct {
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Detail)
}

// IntegrityMismatch means a fetch completed but a requested oid is still
// absent from the local object store.
type IntegrityMismatch struct {
	Oid string
}

func (e *IntegrityMismatch) Error() string {
	return fmt.Sprintf("integrity mismatch: %s not present after fetch", e.Oid)
}

// SignatureInvalid means a consumed event failed signature verification.
// Fatal for the event concerned, never fatal for the session.
type SignatureInvalid struct {
	EventID string
}

func (e *SignatureInvalid) Error() string {
	return fmt.Sprintf("signature invalid for event %s", e.EventID)
}
