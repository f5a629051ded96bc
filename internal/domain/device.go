package domain

import (
	"context"
	"time"
)

// Role is the part a device plays in a conversation.
type Role string

const (
	// RoleInitiator devices capture input and send it (controllers).
	RoleInitiator Role = "initiator"
	// RoleTarget devices receive text and act on it.
	RoleTarget Role = "target"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r == RoleInitiator || r == RoleTarget }

// StatusOnline is the only status a registry entry can have; entries vanish
// when their connection closes.
const StatusOnline = "online"

// ConnectedDevice is one registry entry. The relay owns it from registration
// until the transport closes.
type ConnectedDevice struct {
	ConnID       string       `json:"conn_id"`
	DeviceID     string       `json:"device_id"`
	DeviceName   string       `json:"device_name"`
	Role         Role         `json:"role"`
	Owner        string       `json:"owner_subject"`
	PublicKey    X25519Public `json:"public_key"`
	HasPublicKey bool         `json:"has_public_key"`
	Status       string       `json:"status"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// DeviceStore holds the live registry. Implementations need not be safe for
// concurrent use: the router serializes every call.
type DeviceStore interface {
	// Put inserts d, replacing any entry with the same (Owner, DeviceID).
	// It returns the connection id of the replaced entry, if any.
	Put(ctx context.Context, d ConnectedDevice) (replaced string, err error)
	// Get returns the entry for (owner, deviceID).
	Get(ctx context.Context, owner, deviceID string) (ConnectedDevice, bool, error)
	// ListByOwner returns owner's entries sorted by DeviceID.
	ListByOwner(ctx context.Context, owner string) ([]ConnectedDevice, error)
	// RemoveConnection drops the entry held by connID. It is a no-op when
	// the entry has since been replaced by another connection.
	RemoveConnection(ctx context.Context, connID string) error
	// Len returns the number of entries.
	Len(ctx context.Context) (int, error)
}

// Identity is what the external identity provider vouches for.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// IdentityVerifier checks an identity assertion (an OAuth ID token) with the
// external provider.
type IdentityVerifier interface {
	VerifyAssertion(ctx context.Context, assertion string) (Identity, error)
}
