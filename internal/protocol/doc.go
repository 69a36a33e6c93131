// Package protocol owns the bridge wire contract.
//
// Ownership boundary:
// - frame: brace-balance extraction of JSON object documents from a byte stream
// - envelope: req/ans/ver/end envelope codec
// - session: connection state machine, poll loop, dial/backoff
package protocol
