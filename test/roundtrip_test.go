package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relabs-tech/bridge/iot"
	"github.com/relabs-tech/bridge/iot/gate"
	"github.com/relabs-tech/bridge/iot/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
)

type RoundTripTestSuite struct {
	IntegrationTestSuite
}

func TestRoundTripTestSuite(t *testing.T) {
	suite.Run(t, &RoundTripTestSuite{})
}

func header(m kafkago.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// findMessage reads the topic until a message of the device shows up
func (s *RoundTripTestSuite) findMessage(ctx context.Context, topic, deviceID string) kafkago.Message {
	r := s.reader(topic)
	defer r.Close()
	for {
		m, err := r.ReadMessage(ctx)
		s.Require().NoError(err)
		if header(m, kafka.HeaderDeviceID) == deviceID {
			return m
		}
	}
}

func (s *RoundTripTestSuite) registerDevice(ctx context.Context) (string, string) {
	tenantID := "tenant-" + uuid.New().String()
	deviceID := "device-" + uuid.New().String()
	s.Require().NoError(s.store.CreateTenant(ctx, &iot.TenantConfig{TenantID: tenantID, Enabled: true}))
	s.Require().NoError(s.store.CreateDevice(ctx, &gate.Device{TenantID: tenantID, DeviceID: deviceID, Enabled: true}))
	return tenantID, deviceID
}

func (s *RoundTripTestSuite) TestTelemetryWithCommand() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tenantID, deviceID := s.registerDevice(ctx)
	s.sendCommand(ctx, tenantID, deviceID, "setVolume", "req-1", []byte(`{"level":3}`))

	ttd := 30
	reply := s.adapter.UploadTelemetry(ctx, &iot.UploadRequest{
		TenantID:    tenantID,
		DeviceID:    deviceID,
		ContentType: "application/json",
		Payload:     []byte(`{"temp":21}`),
		Confirmable: true,
		TTD:         &ttd,
	})
	s.Require().Equal(iot.StatusChanged, reply.Status, reply.Message)
	s.Equal("setVolume", reply.CommandName)
	s.Equal("req-1", reply.CommandRequestID)
	s.Equal([]byte(`{"level":3}`), reply.Payload)

	m := s.findMessage(ctx, kafka.DefaultTopics().Telemetry, deviceID)
	s.Equal([]byte(`{"temp":21}`), m.Value)
	s.Equal(tenantID, header(m, kafka.HeaderTenantID))
	s.Equal("application/json", header(m, kafka.HeaderContentType))
	s.Equal("30", header(m, kafka.HeaderTTD))
	s.Equal(tenantID+"/"+deviceID, string(m.Key))
}

func (s *RoundTripTestSuite) TestCommandResponse() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tenantID, deviceID := s.registerDevice(ctx)

	status := 200
	reply := s.adapter.UploadCommandResponse(ctx, &iot.UploadRequest{
		TenantID:         tenantID,
		DeviceID:         deviceID,
		ContentType:      "text/plain",
		Payload:          []byte("done"),
		Confirmable:      true,
		CommandRequestID: "req-7",
		CommandStatus:    &status,
	})
	s.Require().Equal(iot.StatusChanged, reply.Status, reply.Message)

	m := s.findMessage(ctx, kafka.DefaultTopics().CommandResponse, deviceID)
	s.Equal("req-7", header(m, kafka.HeaderCorrelationID))
	s.Equal("200", header(m, kafka.HeaderStatus))
}

func (s *RoundTripTestSuite) TestTTDExpires() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tenantID, deviceID := s.registerDevice(ctx)

	ttd := 1
	start := time.Now()
	reply := s.adapter.UploadEvent(ctx, &iot.UploadRequest{
		TenantID:    tenantID,
		DeviceID:    deviceID,
		ContentType: "text/plain",
		Payload:     []byte("alarm"),
		Confirmable: true,
		TTD:         &ttd,
	})
	s.Require().Equal(iot.StatusChanged, reply.Status, reply.Message)
	s.False(reply.HasCommand())
	s.GreaterOrEqual(time.Since(start), time.Second)
	s.Zero(s.router.Waiting(tenantID, deviceID))
}
