package iot

import (
	"context"
)

// TenantGate validates tenants and device registrations. CheckLimit only
// checks; bytes count against the tenant's limits once Charge is called for
// a forwarded upload or a delivered command.
type TenantGate interface {
	ResolveTenant(ctx context.Context, tenantID string) (*TenantConfig, error)
	ResolveRegistration(ctx context.Context, tenantID, deviceID, authenticatedDeviceID string) (*Assertion, error)
	CheckLimit(ctx context.Context, tenant *TenantConfig, size int) error
	Charge(ctx context.Context, tenant *TenantConfig, size int)
	IsEnabled(ctx context.Context, tenant *TenantConfig) error
}

// Sender forwards messages to the messaging backend. With waitForOutcome the call
// returns only after the backend has durably accepted the message.
type Sender interface {
	Send(ctx context.Context, msg *Message, waitForOutcome bool) error
}

// SubscriptionScope addresses the commands a subscription receives
type SubscriptionScope struct {
	TenantID string
	DeviceID string
	// GatewayID is set if a gateway waits for commands on behalf of DeviceID
	GatewayID string
}

// ScopeFor applies the addressing rule for a request: a gateway acting for another
// device subscribes for (tenant, origin device, gateway), everybody else for (tenant, device).
func ScopeFor(req *UploadRequest) SubscriptionScope {
	return SubscriptionScope{
		TenantID:  req.TenantID,
		DeviceID:  req.DeviceID,
		GatewayID: req.GatewayID(),
	}
}

// CommandContext hands the ownership of a command to its receiver, who must
// settle it exactly once.
type CommandContext interface {
	Command() *Command
	// Accept marks the command as delivered to the device
	Accept()
	// Reject marks the command as undeliverable because of its content
	Reject(cause error)
	// Release returns the command to the transport for redelivery
	Release()
}

// CommandHandler receives commands of a subscription
type CommandHandler func(CommandContext)

// SubscriptionFactory opens command subscriptions
type SubscriptionFactory interface {
	Open(ctx context.Context, scope SubscriptionScope, handler CommandHandler) (Subscription, error)
}

// Subscription is an open command subscription
type Subscription interface {
	Close() error
}

// ProcessingOutcome is the metrics label for what happened to a message
type ProcessingOutcome string

// all processing outcomes
const (
	OutcomeForwarded     ProcessingOutcome = "forwarded"
	OutcomeUnprocessable ProcessingOutcome = "unprocessable"
	OutcomeUndeliverable ProcessingOutcome = "undeliverable"
)

// QoS is the delivery guarantee of an upload
type QoS string

// all QoS levels
const (
	QoSAtMostOnce  QoS = "at_most_once"
	QoSAtLeastOnce QoS = "at_least_once"
)

// Direction is the metrics label of a command message
type Direction string

// all command directions
const (
	DirectionOneWay   Direction = "one_way"
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// DirectionOf returns the direction label of a command
func DirectionOf(c *Command) Direction {
	if c.OneWay {
		return DirectionOneWay
	}
	return DirectionRequest
}

// Metrics receives one record per upload and per command. Implementations must not block.
type Metrics interface {
	RecordUpload(outcome ProcessingOutcome, endpoint Endpoint, qos QoS, size int, ttd TTDStatus)
	RecordCommand(direction Direction, outcome ProcessingOutcome, size int)
}

// NoopMetrics discards all records
type NoopMetrics struct{}

// RecordUpload implements Metrics
func (NoopMetrics) RecordUpload(ProcessingOutcome, Endpoint, QoS, int, TTDStatus) {}

// RecordCommand implements Metrics
func (NoopMetrics) RecordCommand(Direction, ProcessingOutcome, int) {}
