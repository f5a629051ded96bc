package registry

import (
	"context"
	"sort"

	"utter/internal/domain"
)

type entryKey struct {
	owner    string
	deviceID string
}

// Memory is an in-process DeviceStore: an owner index plus a connection index.
type Memory struct {
	byOwner map[string]map[string]domain.ConnectedDevice
	byConn  map[string]entryKey
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{
		byOwner: make(map[string]map[string]domain.ConnectedDevice),
		byConn:  make(map[string]entryKey),
	}
}

func (m *Memory) Put(_ context.Context, d domain.ConnectedDevice) (string, error) {
	devices := m.byOwner[d.Owner]
	if devices == nil {
		devices = make(map[string]domain.ConnectedDevice)
		m.byOwner[d.Owner] = devices
	}

	var replaced string
	if old, ok := devices[d.DeviceID]; ok && old.ConnID != d.ConnID {
		replaced = old.ConnID
		delete(m.byConn, old.ConnID)
	}
	// A connection that re-registers under a new device id drops its old entry.
	if prev, ok := m.byConn[d.ConnID]; ok && prev != (entryKey{d.Owner, d.DeviceID}) {
		m.drop(prev)
	}

	devices[d.DeviceID] = d
	m.byConn[d.ConnID] = entryKey{owner: d.Owner, deviceID: d.DeviceID}
	return replaced, nil
}

func (m *Memory) Get(_ context.Context, owner, deviceID string) (domain.ConnectedDevice, bool, error) {
	d, ok := m.byOwner[owner][deviceID]
	return d, ok, nil
}

func (m *Memory) ListByOwner(_ context.Context, owner string) ([]domain.ConnectedDevice, error) {
	out := make([]domain.ConnectedDevice, 0, len(m.byOwner[owner]))
	for _, d := range m.byOwner[owner] {
		out = append(out, d)
	}
	sortDevices(out)
	return out, nil
}

func (m *Memory) RemoveConnection(_ context.Context, connID string) error {
	k, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	delete(m.byConn, connID)
	if d, ok := m.byOwner[k.owner][k.deviceID]; ok && d.ConnID == connID {
		m.drop(k)
	}
	return nil
}

func (m *Memory) Len(context.Context) (int, error) { return len(m.byConn), nil }

func (m *Memory) drop(k entryKey) {
	devices := m.byOwner[k.owner]
	delete(devices, k.deviceID)
	if len(devices) == 0 {
		delete(m.byOwner, k.owner)
	}
}

func sortDevices(ds []domain.ConnectedDevice) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].DeviceID < ds[j].DeviceID })
}

var _ domain.DeviceStore = (*Memory)(nil)
