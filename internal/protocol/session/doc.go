// Package session owns one bridge connection.
//
// Ownership boundary:
// - end-of-session state (local/peer) and teardown
// - req/ans dispatch to the workflow Handler, ver auto-reply
// - the cooperative poll loop and its idle-retry budget
// - dialing with retry/backoff and the raw exchange log
//
// A Conn is driven by exactly one goroutine; none of its methods are safe for
// concurrent use.
package session
