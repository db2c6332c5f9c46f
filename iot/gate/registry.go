package gate

import (
	"context"
	"errors"
	"strings"

	"github.com/relabs-tech/bridge/core/registry"
	"github.com/relabs-tech/bridge/iot"
)

// RegistryStore is a Store backed by the postgres registry
type RegistryStore struct {
	tenants registry.Accessor
	devices registry.Accessor
}

// NewRegistryStore creates a store on top of the registry
func NewRegistryStore(r *registry.Registry) *RegistryStore {
	return &RegistryStore{
		tenants: r.Accessor("tenant"),
		devices: r.Accessor("device"),
	}
}

func mapRegistryError(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, registry.ErrExists):
		return ErrExists
	}
	return err
}

// GetTenant implements Store
func (s *RegistryStore) GetTenant(ctx context.Context, tenantID string) (*iot.TenantConfig, error) {
	var t iot.TenantConfig
	timestamp, err := s.tenants.Read(ctx, tenantID, &t)
	if err != nil {
		return nil, err
	}
	if timestamp.IsZero() {
		return nil, ErrNotFound
	}
	return &t, nil
}

// CreateTenant implements Store
func (s *RegistryStore) CreateTenant(ctx context.Context, tenant *iot.TenantConfig) error {
	return mapRegistryError(s.tenants.Create(ctx, tenant.TenantID, tenant))
}

// UpdateTenant implements Store
func (s *RegistryStore) UpdateTenant(ctx context.Context, tenant *iot.TenantConfig) error {
	return mapRegistryError(s.tenants.Update(ctx, tenant.TenantID, tenant))
}

// DeleteTenant implements Store. Devices of the tenant are deleted as well.
func (s *RegistryStore) DeleteTenant(ctx context.Context, tenantID string) error {
	deleted, err := s.tenants.Delete(ctx, tenantID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	ids, err := s.ListDevices(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.devices.Delete(ctx, deviceKey(tenantID, id)); err != nil {
			return err
		}
	}
	return nil
}

// GetDevice implements Store
func (s *RegistryStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	var d Device
	timestamp, err := s.devices.Read(ctx, deviceKey(tenantID, deviceID), &d)
	if err != nil {
		return nil, err
	}
	if timestamp.IsZero() {
		return nil, ErrNotFound
	}
	return &d, nil
}

// CreateDevice implements Store
func (s *RegistryStore) CreateDevice(ctx context.Context, device *Device) error {
	return mapRegistryError(s.devices.Create(ctx, deviceKey(device.TenantID, device.DeviceID), device))
}

// UpdateDevice implements Store
func (s *RegistryStore) UpdateDevice(ctx context.Context, device *Device) error {
	return mapRegistryError(s.devices.Update(ctx, deviceKey(device.TenantID, device.DeviceID), device))
}

// DeleteDevice implements Store
func (s *RegistryStore) DeleteDevice(ctx context.Context, tenantID, deviceID string) error {
	deleted, err := s.devices.Delete(ctx, deviceKey(tenantID, deviceID))
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// ListDevices implements Store
func (s *RegistryStore) ListDevices(ctx context.Context, tenantID string) ([]string, error) {
	keys, err := s.devices.Keys(ctx, tenantID+"/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, tenantID+"/"))
	}
	return ids, nil
}
