package gate

import (
	"context"
	"sort"
	"sync"

	"github.com/relabs-tech/bridge/iot"
)

// MemoryStore is a Store kept in memory. It serves tests and single instance
// development setups without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]iot.TenantConfig
	devices map[string]Device
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: map[string]iot.TenantConfig{},
		devices: map[string]Device{},
	}
}

func deviceKey(tenantID, deviceID string) string {
	return tenantID + "/" + deviceID
}

// GetTenant implements Store
func (s *MemoryStore) GetTenant(ctx context.Context, tenantID string) (*iot.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// CreateTenant implements Store
func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *iot.TenantConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenant.TenantID]; ok {
		return ErrExists
	}
	s.tenants[tenant.TenantID] = *tenant
	return nil
}

// UpdateTenant implements Store
func (s *MemoryStore) UpdateTenant(ctx context.Context, tenant *iot.TenantConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenant.TenantID]; !ok {
		return ErrNotFound
	}
	s.tenants[tenant.TenantID] = *tenant
	return nil
}

// DeleteTenant implements Store. Devices of the tenant are deleted as well.
func (s *MemoryStore) DeleteTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return ErrNotFound
	}
	delete(s.tenants, tenantID)
	for key, d := range s.devices {
		if d.TenantID == tenantID {
			delete(s.devices, key)
		}
	}
	return nil
}

// GetDevice implements Store
func (s *MemoryStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceKey(tenantID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// CreateDevice implements Store
func (s *MemoryStore) CreateDevice(ctx context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(device.TenantID, device.DeviceID)
	if _, ok := s.devices[key]; ok {
		return ErrExists
	}
	s.devices[key] = *device
	return nil
}

// UpdateDevice implements Store
func (s *MemoryStore) UpdateDevice(ctx context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(device.TenantID, device.DeviceID)
	if _, ok := s.devices[key]; !ok {
		return ErrNotFound
	}
	s.devices[key] = *device
	return nil
}

// DeleteDevice implements Store
func (s *MemoryStore) DeleteDevice(ctx context.Context, tenantID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(tenantID, deviceID)
	if _, ok := s.devices[key]; !ok {
		return ErrNotFound
	}
	delete(s.devices, key)
	return nil
}

// ListDevices implements Store
func (s *MemoryStore) ListDevices(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := []string{}
	for _, d := range s.devices {
		if d.TenantID == tenantID {
			ids = append(ids, d.DeviceID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
