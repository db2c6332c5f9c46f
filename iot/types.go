// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import (
	"fmt"
)

// Endpoint is the kind of a device upload
type Endpoint string

// all supported upload endpoints
const (
	EndpointTelemetry       Endpoint = "telemetry"
	EndpointEvent           Endpoint = "event"
	EndpointCommandResponse Endpoint = "command_response"
)

// EmptyNotificationContentType marks an upload without payload which only
// signals that the device is ready to receive a command.
const EmptyNotificationContentType = "application/vnd.eclipse-hono-empty-notification"

// StatusCode is a device facing response code, encoded like a CoAP code
// (class in the upper three bits, detail in the lower five).
type StatusCode uint8

// status codes used in replies
const (
	StatusChanged               StatusCode = 2<<5 | 4
	StatusBadRequest            StatusCode = 4<<5 | 0
	StatusUnauthorized          StatusCode = 4<<5 | 1
	StatusForbidden             StatusCode = 4<<5 | 3
	StatusNotFound              StatusCode = 4<<5 | 4
	StatusRequestEntityTooLarge StatusCode = 4<<5 | 13
	StatusTooManyRequests       StatusCode = 4<<5 | 29
	StatusInternalServerError   StatusCode = 5<<5 | 0
	StatusServiceUnavailable    StatusCode = 5<<5 | 3
)

// Class returns the code class, 2 for success, 4 for client and 5 for server errors
func (c StatusCode) Class() int {
	return int(c >> 5)
}

// IsClientError is true for 4.xx codes
func (c StatusCode) IsClientError() bool {
	return c.Class() == 4
}

func (c StatusCode) String() string {
	return fmt.Sprintf("%d.%02d", c>>5, c&0x1f)
}

// UploadRequest is the immutable view of one device upload
type UploadRequest struct {
	Endpoint Endpoint
	TenantID string
	// DeviceID is the device the data originates from
	DeviceID string
	// AuthenticatedDeviceID is the device which sent the request. It differs from
	// DeviceID when a gateway acts on behalf of another device.
	AuthenticatedDeviceID string
	ContentType           string
	Payload               []byte
	Confirmable           bool
	// TTD is the requested time till disconnect in seconds, nil if the device
	// does not wait for a command.
	TTD               *int
	EmptyNotification bool
	// CommandRequestID and CommandStatus are only used for command responses
	CommandRequestID string
	CommandStatus    *int
	// Path is the resource path the device addressed, forwarded as message property
	Path string
}

// GatewayID returns the authenticated device if it differs from the origin device,
// or an empty string otherwise.
func (r *UploadRequest) GatewayID() string {
	if r.AuthenticatedDeviceID != "" && r.AuthenticatedDeviceID != r.DeviceID {
		return r.AuthenticatedDeviceID
	}
	return ""
}

// TenantConfig is the effective configuration of a tenant
type TenantConfig struct {
	TenantID string `json:"tenant_id"`
	// Enabled is false if the adapter is disabled for the tenant
	Enabled bool `json:"enabled"`
	// MaxPayloadSize limits the size of a single message, 0 means unlimited
	MaxPayloadSize int `json:"max_payload_size,omitempty"`
	// DataVolumePerPeriod limits the number of payload bytes per period, 0 means unlimited
	DataVolumePerPeriod int64 `json:"data_volume_per_period,omitempty"`
	// MaxTTD is the maximum time till disconnect a device may request
	MaxTTD *int `json:"max_ttd,omitempty"`
}

// Assertion is the outcome of a successful registration check
type Assertion struct {
	TenantID string
	DeviceID string
	// Defaults are registered default properties, added to downstream messages
	Defaults map[string]string
}

// Command is an instruction from the backend to a device
type Command struct {
	Name     string
	TenantID string
	// DeviceID is the device the command is addressed to
	DeviceID string
	// GatewayID is set if the command is delivered to the device via a gateway
	GatewayID   string
	OneWay      bool
	RequestID   string
	ContentType string
	Payload     []byte
	Valid       bool
}

// TargetedAtGateway is true if the command is delivered through a gateway
func (c *Command) TargetedAtGateway() bool {
	return c.GatewayID != "" && c.GatewayID != c.DeviceID
}

// WellFormed checks the mandatory command properties. Transports use it to
// set the Valid flag of a command they construct.
func WellFormed(c *Command) bool {
	if c.Name == "" || c.TenantID == "" || c.DeviceID == "" {
		return false
	}
	return c.OneWay || c.RequestID != ""
}

// Reply is the device facing response to an upload
type Reply struct {
	Status StatusCode
	// Message is a diagnostic text for error replies
	Message string
	// command metadata, empty if no command is piggybacked
	CommandName      string
	CommandRequestID string
	// CommandTargetDevice is the device a gateway forwards the command to
	CommandTargetDevice string
	// LocationPath holds the path segments the device uses to respond to the command
	LocationPath []string
	ContentType  string
	Payload      []byte
}

// HasCommand is true if the reply carries a command
func (r Reply) HasCommand() bool {
	return r.CommandName != ""
}

// Outcome is the result of the race between the TTD timer and an arriving command
type Outcome int

// all race outcomes
const (
	OutcomeNotApplicable Outcome = iota
	OutcomeTimerWon
	OutcomeCommandWon
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTimerWon:
		return "timer"
	case OutcomeCommandWon:
		return "command"
	default:
		return "n/a"
	}
}

// TTDStatus is the metrics label for how a request's waiting window ended
type TTDStatus string

// all TTD states
const (
	TTDStatusNone    TTDStatus = "none"
	TTDStatusExpired TTDStatus = "expired"
	TTDStatusCommand TTDStatus = "command"
)

// TTDStatus maps the outcome to its metrics label
func (o Outcome) TTDStatus() TTDStatus {
	switch o {
	case OutcomeTimerWon:
		return TTDStatusExpired
	case OutcomeCommandWon:
		return TTDStatusCommand
	default:
		return TTDStatusNone
	}
}
