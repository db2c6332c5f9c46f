// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package gate resolves tenants and device registrations for the bridge
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/iot"
	"golang.org/x/crypto/bcrypt"
)

// DefaultMaxTTD is the maximum time till disconnect in seconds for tenants
// which do not configure one
const DefaultMaxTTD = 60

// PasswordCost is the bcrypt cost of device passwords
const PasswordCost = 10

// Gate implements iot.TenantGate on top of a Store
type Gate struct {
	store  Store
	volume VolumeLimiter
	maxTTD int
}

// Builder is a builder helper for the Gate
type Builder struct {
	// Store is mandatory
	Store Store
	// Volume limits the data volume per tenant. Optional, without it only the
	// payload size is limited.
	Volume VolumeLimiter
	// MaxTTD is the default maximum time till disconnect, DefaultMaxTTD if zero.
	// A negative value disables waiting for commands for tenants without a maximum.
	MaxTTD int
}

// New creates a gate
func New(b *Builder) *Gate {
	if b.Store == nil {
		panic("Store is missing")
	}
	g := &Gate{
		store:  b.Store,
		volume: b.Volume,
		maxTTD: b.MaxTTD,
	}
	if g.maxTTD == 0 {
		g.maxTTD = DefaultMaxTTD
	}
	return g
}

// ResolveTenant implements iot.TenantGate. Tenants without maximum TTD inherit
// the gate's default.
func (g *Gate) ResolveTenant(ctx context.Context, tenantID string) (*iot.TenantConfig, error) {
	t, err := g.store.GetTenant(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, iot.NewTenantError(iot.StatusNotFound, fmt.Sprintf("tenant %s does not exist", tenantID))
	}
	if err != nil {
		return nil, iot.NewTransportError("cannot resolve tenant", err)
	}
	if t.MaxTTD == nil {
		maxTTD := g.maxTTD
		t.MaxTTD = &maxTTD
	}
	return t, nil
}

// IsEnabled implements iot.TenantGate
func (g *Gate) IsEnabled(ctx context.Context, tenant *iot.TenantConfig) error {
	if !tenant.Enabled {
		return iot.NewTenantError(iot.StatusForbidden, fmt.Sprintf("adapter is disabled for tenant %s", tenant.TenantID))
	}
	return nil
}

// CheckLimit implements iot.TenantGate. It checks the size of a single message
// and whether it still fits into the tenant's data volume, without accounting
// it. The data volume is only enforced as long as the limiter is reachable.
// Concurrent uploads may overshoot the volume by the messages in flight.
func (g *Gate) CheckLimit(ctx context.Context, tenant *iot.TenantConfig, size int) error {
	if tenant.MaxPayloadSize > 0 && size > tenant.MaxPayloadSize {
		return iot.NewTenantError(iot.StatusRequestEntityTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", size, tenant.MaxPayloadSize))
	}
	if g.volume == nil || tenant.DataVolumePerPeriod <= 0 {
		return nil
	}
	used, err := g.volume.Used(ctx, tenant.TenantID)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("cannot check data volume")
		return nil
	}
	if used+int64(size) > tenant.DataVolumePerPeriod {
		return iot.NewTenantError(iot.StatusTooManyRequests, "data volume limit exceeded")
	}
	return nil
}

// Charge implements iot.TenantGate. It accounts forwarded bytes to the
// tenant's data volume.
func (g *Gate) Charge(ctx context.Context, tenant *iot.TenantConfig, size int) {
	if g.volume == nil || tenant.DataVolumePerPeriod <= 0 || size <= 0 {
		return
	}
	if err := g.volume.Add(ctx, tenant.TenantID, size); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("cannot account data volume")
	}
}

// ResolveRegistration implements iot.TenantGate. A gateway may act on behalf of
// a device only if the device lists it in its via gateways.
func (g *Gate) ResolveRegistration(ctx context.Context, tenantID, deviceID, authenticatedDeviceID string) (*iot.Assertion, error) {
	device, err := g.device(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if authenticatedDeviceID != "" && authenticatedDeviceID != deviceID {
		if _, err := g.device(ctx, tenantID, authenticatedDeviceID); err != nil {
			return nil, err
		}
		if !device.ViaGateway(authenticatedDeviceID) {
			return nil, iot.NewRegistrationError(iot.StatusForbidden,
				fmt.Sprintf("gateway %s is not authorized to act on behalf of device %s", authenticatedDeviceID, deviceID))
		}
	}
	return &iot.Assertion{
		TenantID: tenantID,
		DeviceID: deviceID,
		Defaults: device.Defaults,
	}, nil
}

// Authenticate checks a device's password
func (g *Gate) Authenticate(ctx context.Context, tenantID, deviceID, password string) error {
	device, err := g.store.GetDevice(ctx, tenantID, deviceID)
	if errors.Is(err, ErrNotFound) {
		return iot.NewRegistrationError(iot.StatusUnauthorized, "bad credentials")
	}
	if err != nil {
		return iot.NewTransportError("cannot resolve device", err)
	}
	if !device.Enabled || device.PasswordHash == "" {
		return iot.NewRegistrationError(iot.StatusUnauthorized, "bad credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(device.PasswordHash), []byte(password)) != nil {
		return iot.NewRegistrationError(iot.StatusUnauthorized, "bad credentials")
	}
	return nil
}

func (g *Gate) device(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	device, err := g.store.GetDevice(ctx, tenantID, deviceID)
	if errors.Is(err, ErrNotFound) {
		return nil, iot.NewRegistrationError(iot.StatusNotFound, fmt.Sprintf("device %s does not exist", deviceID))
	}
	if err != nil {
		return nil, iot.NewTransportError("cannot resolve device", err)
	}
	if !device.Enabled {
		return nil, iot.NewRegistrationError(iot.StatusNotFound, fmt.Sprintf("device %s is disabled", deviceID))
	}
	return device, nil
}

// HashPassword returns the bcrypt hash of a device password
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
