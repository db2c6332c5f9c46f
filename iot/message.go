package iot

import (
	"context"
	"time"

	"github.com/relabs-tech/bridge/core/logger"
)

// Message is a message forwarded to the messaging backend
type Message struct {
	Endpoint    Endpoint
	TenantID    string
	DeviceID    string
	GatewayID   string
	ContentType string
	Payload     []byte
	// TTD is the effective time till disconnect, nil if the device does not wait
	TTD *int
	// RequestID and Status are set for command responses
	RequestID  string
	Status     *int
	Properties map[string]string
	CreatedAt  time.Time
	// LogContext is the serialized request logger, see logger.SerializeLoggerContext
	LogContext []byte
}

// MessageCustomizer lets a concrete adapter adjust a message before it is sent
type MessageCustomizer func(msg *Message, req *UploadRequest)

// newMessage builds the downstream message of an upload. Registered defaults are
// added as properties unless the request overrides them.
func newMessage(ctx context.Context, req *UploadRequest, assertion *Assertion, ttd *int, now time.Time) *Message {
	msg := &Message{
		Endpoint:    req.Endpoint,
		TenantID:    req.TenantID,
		DeviceID:    req.DeviceID,
		GatewayID:   req.GatewayID(),
		ContentType: req.ContentType,
		Payload:     req.Payload,
		TTD:         ttd,
		RequestID:   req.CommandRequestID,
		Status:      req.CommandStatus,
		Properties:  map[string]string{},
		CreatedAt:   now,
		LogContext:  logger.SerializeLoggerContext(ctx),
	}
	if assertion != nil {
		for k, v := range assertion.Defaults {
			msg.Properties[k] = v
		}
	}
	if req.Path != "" {
		msg.Properties["resource"] = req.Path
	}
	return msg
}
