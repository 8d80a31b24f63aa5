// Package signaling implements the websocket signaling relay: the connection
// registry, the message router, and the two call-topology policies (direct
// 1:1 pairing with displacement, and room mesh with ownership transfer).
//
// The relay never touches media. Offer, answer and candidate frames are
// forwarded byte-for-byte to their target; delivery is best-effort and
// failures are absorbed, never surfaced to the sender.
package signaling
