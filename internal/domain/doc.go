// Package domain defines the types and contracts shared by the relay hub and
// its endpoints.
//
// It contains plain data (keys, registry entries, envelopes), the protocol
// error taxonomy, and the store/verifier interfaces the relay is wired with.
// Nothing here performs I/O.
package domain
