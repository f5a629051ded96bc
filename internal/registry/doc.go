// Package registry holds the relay's live device registry.
//
// Two domain.DeviceStore implementations are provided: Memory, the default,
// and Redis, which keeps the same records in a Redis instance so the
// registry can be inspected or survive a router restart for the lifetime of
// the underlying connections. Neither is safe for unsynchronized concurrent
// use; the relay router serializes every call behind one mutex.
package registry
