package kafka

import (
	"strconv"
	"time"

	"github.com/relabs-tech/bridge/iot"
	"github.com/segmentio/kafka-go"
)

// message headers
const (
	HeaderContentType      = "content-type"
	HeaderTenantID         = "tenant_id"
	HeaderDeviceID         = "device_id"
	HeaderGatewayID        = "via"
	HeaderTTD              = "ttd"
	HeaderCreationTime     = "creation-time"
	HeaderCorrelationID    = "correlation-id"
	HeaderStatus           = "status"
	HeaderSubject          = "subject"
	HeaderResponseRequired = "response-required"
	HeaderLogContext       = "log_context"
	HeaderPropertyPrefix   = "property."
)

// encode turns a downstream message into a kafka message. The key keeps all
// messages of a device in one partition.
func encode(topic string, msg *iot.Message) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderContentType, Value: []byte(msg.ContentType)},
		{Key: HeaderTenantID, Value: []byte(msg.TenantID)},
		{Key: HeaderDeviceID, Value: []byte(msg.DeviceID)},
		{Key: HeaderCreationTime, Value: []byte(strconv.FormatInt(msg.CreatedAt.UnixMilli(), 10))},
	}
	if msg.GatewayID != "" {
		headers = append(headers, kafka.Header{Key: HeaderGatewayID, Value: []byte(msg.GatewayID)})
	}
	if msg.TTD != nil {
		headers = append(headers, kafka.Header{Key: HeaderTTD, Value: []byte(strconv.Itoa(*msg.TTD))})
	}
	if msg.RequestID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(msg.RequestID)})
	}
	if msg.Status != nil {
		headers = append(headers, kafka.Header{Key: HeaderStatus, Value: []byte(strconv.Itoa(*msg.Status))})
	}
	if len(msg.LogContext) > 0 {
		headers = append(headers, kafka.Header{Key: HeaderLogContext, Value: msg.LogContext})
	}
	for k, v := range msg.Properties {
		headers = append(headers, kafka.Header{Key: HeaderPropertyPrefix + k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.TenantID + "/" + msg.DeviceID),
		Value:   msg.Payload,
		Headers: headers,
		Time:    msg.CreatedAt,
	}
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// decodeCommand reads a command from a kafka message. It returns false if the
// message does not address a device at all.
func decodeCommand(m kafka.Message) (*iot.Command, bool) {
	cmd := &iot.Command{
		Name:        header(m, HeaderSubject),
		TenantID:    header(m, HeaderTenantID),
		DeviceID:    header(m, HeaderDeviceID),
		RequestID:   header(m, HeaderCorrelationID),
		ContentType: header(m, HeaderContentType),
		Payload:     m.Value,
	}
	if cmd.TenantID == "" || cmd.DeviceID == "" {
		return nil, false
	}
	responseRequired, _ := strconv.ParseBool(header(m, HeaderResponseRequired))
	cmd.OneWay = !responseRequired
	if cmd.OneWay {
		cmd.RequestID = ""
	}
	cmd.Valid = iot.WellFormed(cmd)
	return cmd, true
}

func creationTime(m kafka.Message) time.Time {
	ms, err := strconv.ParseInt(header(m, HeaderCreationTime), 10, 64)
	if err != nil {
		return m.Time
	}
	return time.UnixMilli(ms).UTC()
}
