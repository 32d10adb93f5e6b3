// Package protocol owns the wire contract above framing.
//
// Ownership boundary:
// - command identifiers for both channels
// - typed payload variants decoded once per frame
// - handshake markup document builders
package protocol
