package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/bridge/iot"
)

// downstream is the envelope of a message published to applications
type downstream struct {
	TenantID      string            `json:"tenant_id"`
	DeviceID      string            `json:"device_id"`
	Via           string            `json:"via,omitempty"`
	ContentType   string            `json:"content_type"`
	TTD           *int              `json:"ttd,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Status        *int              `json:"status,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Payload       []byte            `json:"payload,omitempty"`
}

// upstream is the envelope of a command published by an application
type upstream struct {
	Name             string `json:"name"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	ResponseRequired bool   `json:"response_required,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
	Payload          []byte `json:"payload,omitempty"`
}

func downstreamTopic(msg *iot.Message) string {
	return string(msg.Endpoint) + "/" + msg.TenantID + "/" + msg.DeviceID
}

func encodeDownstream(msg *iot.Message) ([]byte, error) {
	return json.Marshal(&downstream{
		TenantID:      msg.TenantID,
		DeviceID:      msg.DeviceID,
		Via:           msg.GatewayID,
		ContentType:   msg.ContentType,
		TTD:           msg.TTD,
		CorrelationID: msg.RequestID,
		Status:        msg.Status,
		Properties:    msg.Properties,
		CreatedAt:     msg.CreatedAt,
		Payload:       msg.Payload,
	})
}

// parseCommandTopic returns tenant and device of a command/{tenant_id}/{device_id} topic
func parseCommandTopic(topic string) (tenantID, deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "command" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func decodeCommand(tenantID, deviceID string, body []byte) (*iot.Command, error) {
	var u upstream
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("invalid command envelope: %w", err)
	}
	cmd := &iot.Command{
		Name:        u.Name,
		TenantID:    tenantID,
		DeviceID:    deviceID,
		OneWay:      !u.ResponseRequired,
		ContentType: u.ContentType,
		Payload:     u.Payload,
	}
	if u.ResponseRequired {
		cmd.RequestID = u.CorrelationID
	}
	cmd.Valid = iot.WellFormed(cmd)
	return cmd, nil
}
