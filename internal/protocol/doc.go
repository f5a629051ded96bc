// Package protocol defines the frames exchanged over the relay's persistent
// WebSocket transport.
//
// Every frame is a JSON object tagged by a "type" field. The set of frame
// kinds is closed: Frame can only be implemented inside this package, so a
// type switch over the concrete frame types covers every case the relay or
// an endpoint can receive.
//
// Binary values (ciphertext, nonce, public keys) travel as standard base64.
// The Envelope helpers convert between wire frames and domain.Envelope.
package protocol
