package gate

import (
	"context"
	"errors"

	"github.com/relabs-tech/bridge/iot"
)

// ErrNotFound is returned by a Store for unknown tenants and devices
var ErrNotFound = errors.New("not found")

// ErrExists is returned by a Store when creating a tenant or device which exists already
var ErrExists = errors.New("exists already")

// Device is the registration of a device
type Device struct {
	TenantID string `json:"tenant_id"`
	DeviceID string `json:"device_id"`
	Enabled  bool   `json:"enabled"`
	// PasswordHash is the bcrypt hash of the device's password
	PasswordHash string `json:"password_hash,omitempty"`
	// Via lists the gateways which may act on behalf of the device
	Via []string `json:"via,omitempty"`
	// Defaults are added as properties to the device's downstream messages
	Defaults map[string]string `json:"defaults,omitempty"`
}

// ViaGateway returns true if the gateway may act on behalf of the device
func (d *Device) ViaGateway(gatewayID string) bool {
	for _, via := range d.Via {
		if via == gatewayID {
			return true
		}
	}
	return false
}

// Store persists tenants and devices
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*iot.TenantConfig, error)
	CreateTenant(ctx context.Context, tenant *iot.TenantConfig) error
	UpdateTenant(ctx context.Context, tenant *iot.TenantConfig) error
	DeleteTenant(ctx context.Context, tenantID string) error

	GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error)
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	DeleteDevice(ctx context.Context, tenantID, deviceID string) error
	ListDevices(ctx context.Context, tenantID string) ([]string, error)
}
