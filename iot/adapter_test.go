package iot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relabs-tech/bridge/core/clock"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	gate     *fakeGate
	sender   *fakeSender
	commands *fakeCommands
	metrics  *fakeMetrics
	clock    *clock.Manual
	adapter  *Adapter
}

func newFixture(mods ...func(*Builder)) *fixture {
	f := &fixture{
		gate:     newFakeGate(),
		sender:   newFakeSender(),
		commands: &fakeCommands{},
		metrics:  &fakeMetrics{},
		clock:    clock.NewManual(time.Unix(1000, 0)),
	}
	b := &Builder{
		Gate:     f.gate,
		Sender:   f.sender,
		Commands: f.commands,
		Metrics:  f.metrics,
		Clock:    f.clock,
	}
	for _, mod := range mods {
		mod(b)
	}
	f.adapter = New(b)
	return f
}

func telemetry(ttd *int) *UploadRequest {
	return &UploadRequest{
		TenantID:    "tenant",
		DeviceID:    "device",
		ContentType: "application/json",
		Payload:     []byte(`{"temp":5}`),
		Confirmable: true,
		TTD:         ttd,
	}
}

// uploadAsync runs the upload in the background and returns once the message
// was handed to the sender, i.e. once a timer is armed.
func (f *fixture) uploadAsync(t *testing.T, ctx context.Context, upload func(context.Context, *UploadRequest) Reply, req *UploadRequest) <-chan Reply {
	replies := make(chan Reply, 1)
	go func() {
		replies <- upload(ctx, req)
	}()
	select {
	case <-f.sender.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not sent")
	}
	return replies
}

func awaitReply(t *testing.T, replies <-chan Reply) Reply {
	select {
	case r := <-replies:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	return Reply{}
}

func assertNoReply(t *testing.T, replies <-chan Reply) {
	select {
	case r := <-replies:
		t.Fatalf("unexpected reply %v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNewPanicsWithoutCollaborators(t *testing.T) {
	assert.Panics(t, func() { New(&Builder{}) })
	assert.Panics(t, func() { New(&Builder{Gate: newFakeGate(), Sender: newFakeSender()}) })
}

func TestCommandArrivesWithinWindow(t *testing.T) {
	f := newFixture()
	replies := f.uploadAsync(t, context.Background(), f.adapter.UploadTelemetry, telemetry(intPtr(5)))

	f.clock.Advance(2 * time.Second)
	assertNoReply(t, replies)
	cc := newCommand("switch")
	f.commands.deliver(cc)

	reply := awaitReply(t, replies)
	assert.Equal(t, StatusChanged, reply.Status)
	assert.Equal(t, "switch", reply.CommandName)
	assert.Equal(t, "req-1", reply.CommandRequestID)
	assert.Equal(t, "/command_response/req-1", reply.Location())
	assert.Equal(t, []byte(`{"on":true}`), reply.Payload)
	assert.Equal(t, "application/json", reply.ContentType)

	assert.EqualValues(t, 1, cc.accepted.Load())
	assert.EqualValues(t, 1, cc.settlements())
	assert.Equal(t, 1, f.commands.opened())
	assert.EqualValues(t, 1, f.commands.sub(0).closed.Load())
	assert.Equal(t, 0, f.clock.Pending())

	uploads := f.metrics.uploadRecords()
	require.Len(t, uploads, 1)
	assert.Equal(t, uploadRecord{OutcomeForwarded, EndpointTelemetry, QoSAtLeastOnce, 10, TTDStatusCommand}, uploads[0])
	assert.Equal(t, []commandRecord{{DirectionRequest, OutcomeForwarded, 11}}, f.metrics.commandRecords())
	assert.EqualValues(t, 10+11, f.gate.charged.Load())

	f.clock.Advance(10 * time.Second)
	late := newCommand("late")
	f.commands.deliver(late)
	assert.EqualValues(t, 1, late.released.Load())
}

func TestWindowExpiresWithoutCommand(t *testing.T) {
	f := newFixture()
	replies := f.uploadAsync(t, context.Background(), f.adapter.UploadTelemetry, telemetry(intPtr(5)))

	f.clock.Advance(4 * time.Second)
	assertNoReply(t, replies)
	f.clock.Advance(time.Second)

	reply := awaitReply(t, replies)
	assert.Equal(t, StatusChanged, reply.Status)
	assert.False(t, reply.HasCommand())
	assert.Empty(t, reply.LocationPath)
	assert.EqualValues(t, 1, f.commands.sub(0).closed.Load())

	uploads := f.metrics.uploadRecords()
	require.Len(t, uploads, 1)
	assert.Equal(t, TTDStatusExpired, uploads[0].ttd)

	late := newCommand("late")
	f.commands.deliver(late)
	assert.EqualValues(t, 1, late.released.Load())
	assert.Zero(t, late.accepted.Load())
}

func TestNoWaitingWithoutTTD(t *testing.T) {
	f := newFixture()
	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(nil))

	assert.Equal(t, StatusChanged, reply.Status)
	assert.False(t, reply.HasCommand())
	assert.Zero(t, f.commands.opened())
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, 1, f.sender.count())
	assert.Nil(t, f.sender.last().msg.TTD)

	uploads := f.metrics.uploadRecords()
	require.Len(t, uploads, 1)
	assert.Equal(t, TTDStatusNone, uploads[0].ttd)
}

func TestNonPositiveTTDDoesNotWait(t *testing.T) {
	f := newFixture()
	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(intPtr(0)))
	assert.Equal(t, StatusChanged, reply.Status)
	assert.Zero(t, f.commands.opened())
}

func TestTenantDisabled(t *testing.T) {
	f := newFixture()
	f.gate.tenants["tenant"].Enabled = false

	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(intPtr(5)))
	assert.Equal(t, StatusForbidden, reply.Status)
	assert.Zero(t, f.commands.opened())
	assert.Zero(t, f.sender.count())

	uploads := f.metrics.uploadRecords()
	require.Len(t, uploads, 1)
	assert.Equal(t, OutcomeUnprocessable, uploads[0].outcome)
}

func TestRegistrationFailure(t *testing.T) {
	f := newFixture()
	f.gate.registration = NewRegistrationError(StatusNotFound, "unknown device")

	reply := f.adapter.UploadEvent(context.Background(), telemetry(intPtr(5)))
	assert.Equal(t, StatusNotFound, reply.Status)
	assert.Zero(t, f.commands.opened())
	assert.Zero(t, f.sender.count())
	assert.Zero(t, f.gate.charged.Load())
}

func TestOnlyForwardedBytesAreCharged(t *testing.T) {
	f := newFixture()
	f.gate.registration = NewRegistrationError(StatusForbidden, "gateway not authorized")
	for i := 0; i < 3; i++ {
		reply := f.adapter.UploadTelemetry(context.Background(), telemetry(nil))
		assert.Equal(t, StatusForbidden, reply.Status)
	}
	assert.Zero(t, f.gate.charged.Load())

	f.gate.registration = nil
	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(nil))
	assert.Equal(t, StatusChanged, reply.Status)
	assert.EqualValues(t, 10, f.gate.charged.Load())
}

func TestTTDIsClampedToTenantMaximum(t *testing.T) {
	f := newFixture()
	f.gate.tenants["tenant"].MaxTTD = intPtr(10)
	replies := f.uploadAsync(t, context.Background(), f.adapter.UploadTelemetry, telemetry(intPtr(30)))

	assert.Equal(t, 10, *f.sender.last().msg.TTD)
	f.clock.Advance(10 * time.Second)
	reply := awaitReply(t, replies)
	assert.False(t, reply.HasCommand())
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		upload func(*Adapter, context.Context, *UploadRequest) Reply
		modify func(*UploadRequest)
	}{
		{"missing content type", (*Adapter).UploadTelemetry, func(r *UploadRequest) { r.ContentType = "" }},
		{"empty payload", (*Adapter).UploadTelemetry, func(r *UploadRequest) { r.Payload = nil }},
		{"unconfirmed event", (*Adapter).UploadEvent, func(r *UploadRequest) { r.Confirmable = false }},
		{"unconfirmed command response", (*Adapter).UploadCommandResponse, func(r *UploadRequest) {
			r.Confirmable = false
			r.CommandRequestID = "r1"
			r.CommandStatus = intPtr(200)
		}},
		{"command response without request id", (*Adapter).UploadCommandResponse, func(r *UploadRequest) { r.CommandStatus = intPtr(200) }},
		{"command response without status", (*Adapter).UploadCommandResponse, func(r *UploadRequest) { r.CommandRequestID = "r1" }},
		{"command response with invalid status", (*Adapter).UploadCommandResponse, func(r *UploadRequest) {
			r.CommandRequestID = "r1"
			r.CommandStatus = intPtr(700)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := telemetry(intPtr(5))
			tt.modify(req)
			reply := tt.upload(f.adapter, context.Background(), req)
			assert.Equal(t, StatusBadRequest, reply.Status)
			assert.NotEmpty(t, reply.Message)
			assert.Zero(t, f.gate.calls.Load())
			assert.Zero(t, f.sender.count())
			assert.Zero(t, f.commands.opened())
			assert.Equal(t, 1, len(f.metrics.uploadRecords())+len(f.metrics.commandRecords()))
		})
	}
}

func TestEmptyNotification(t *testing.T) {
	f := newFixture()
	req := telemetry(nil)
	req.Payload = nil
	req.ContentType = EmptyNotificationContentType
	req.EmptyNotification = true
	reply := f.adapter.UploadTelemetry(context.Background(), req)
	assert.Equal(t, StatusChanged, reply.Status)
}

func TestSendFailureReleasesResources(t *testing.T) {
	f := newFixture()
	f.sender.err = errors.New("broker down")

	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(intPtr(5)))
	assert.Equal(t, StatusServiceUnavailable, reply.Status)
	assert.EqualValues(t, 1, f.commands.sub(0).closed.Load())
	assert.Zero(t, f.clock.Pending())
	assert.Zero(t, f.gate.charged.Load())

	uploads := f.metrics.uploadRecords()
	require.Len(t, uploads, 1)
	assert.Equal(t, OutcomeUndeliverable, uploads[0].outcome)
}

func TestSendFailureReleasesWinningCommand(t *testing.T) {
	f := newFixture()
	f.sender.err = errors.New("broker down")
	cc := newCommand("switch")
	f.sender.onSend = func(*Message) { f.commands.deliver(cc) }

	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(intPtr(5)))
	assert.Equal(t, StatusServiceUnavailable, reply.Status)
	assert.False(t, reply.HasCommand())
	assert.EqualValues(t, 1, cc.released.Load())
	assert.Zero(t, cc.accepted.Load())
	assert.Zero(t, f.gate.charged.Load())
}

func TestSubscriptionOpenFailure(t *testing.T) {
	f := newFixture()
	f.commands.err = errors.New("no route")
	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(intPtr(5)))
	assert.Equal(t, StatusServiceUnavailable, reply.Status)
	assert.Zero(t, f.sender.count())
	assert.Zero(t, f.clock.Pending())
	assert.Zero(t, f.gate.charged.Load())
}

func TestCommandPendingAtSubscription(t *testing.T) {
	f := newFixture()
	cc := newCommand("queued")
	cc.cmd.OneWay = true
	f.commands.pending = cc

	reply := f.adapter.UploadTelemetry(context.Background(), telemetry(intPtr(5)))
	assert.Equal(t, "queued", reply.CommandName)
	assert.Equal(t, "/command", reply.Location())
	assert.Empty(t, reply.CommandRequestID)
	assert.EqualValues(t, 1, f.commands.sub(0).closed.Load())
	assert.Zero(t, f.clock.Pending())
	assert.EqualValues(t, 1, cc.accepted.Load())
}

func TestInvalidCommandYieldsBareReply(t *testing.T) {
	f := newFixture()
	replies := f.uploadAsync(t, context.Background(), f.adapter.UploadTelemetry, telemetry(intPtr(5)))
	cc := newCommand("broken")
	cc.cmd.Valid = false
	f.commands.deliver(cc)

	reply := awaitReply(t, replies)
	assert.Equal(t, StatusChanged, reply.Status)
	assert.False(t, reply.HasCommand())
	assert.EqualValues(t, 1, cc.rejected.Load())
	assert.Equal(t, TTDStatusCommand, f.metrics.uploadRecords()[0].ttd)
}

func TestCommandValidatorOverride(t *testing.T) {
	f := newFixture(func(b *Builder) {
		b.CommandValidator = func(c *Command) bool { return c.Valid && len(c.Payload) < 4 }
	})
	replies := f.uploadAsync(t, context.Background(), f.adapter.UploadTelemetry, telemetry(intPtr(5)))
	cc := newCommand("switch")
	f.commands.deliver(cc)

	reply := awaitReply(t, replies)
	assert.False(t, reply.HasCommand())
	assert.EqualValues(t, 1, cc.rejected.Load())
	assert.EqualValues(t, len("tiny"), f.gate.charged.Load())
}

func TestCommandExceedingLimitIsRejected(t *testing.T) {
	f := newFixture()
	f.gate.commandLimit = 10
	req := telemetry(intPtr(5))
	req.Payload = []byte("tiny")
	replies := f.uploadAsync(t, context.Background(), f.adapter.UploadTelemetry, req)
	cc := newCommand("switch")
	f.commands.deliver(cc)

	reply := awaitReply(t, replies)
	assert.Equal(t, StatusChanged, reply.Status)
	assert.False(t, reply.HasCommand())
	assert.EqualValues(t, 1, cc.rejected.Load())
}

func TestGatewayScopeAndTarget(t *testing.T) {
	f := newFixture()
	req := telemetry(intPtr(5))
	req.AuthenticatedDeviceID = "gw"
	replies := f.uploadAsync(t, context.Background(), f.adapter.UploadTelemetry, req)

	assert.Equal(t, SubscriptionScope{TenantID: "tenant", DeviceID: "device", GatewayID: "gw"}, f.commands.scopes[0])
	assert.Equal(t, "gw", f.sender.last().msg.GatewayID)

	cc := newCommand("switch")
	cc.cmd.GatewayID = "gw"
	f.commands.deliver(cc)
	reply := awaitReply(t, replies)
	assert.Equal(t, "device", reply.CommandTargetDevice)
	assert.Equal(t, "/command_response/tenant/device/req-1", reply.Location())
}

func TestCanceledWhileWaiting(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	replies := f.uploadAsync(t, ctx, f.adapter.UploadTelemetry, telemetry(intPtr(5)))
	cancel()

	reply := awaitReply(t, replies)
	assert.Equal(t, StatusServiceUnavailable, reply.Status)
	assert.EqualValues(t, 1, f.commands.sub(0).closed.Load())
	assert.Zero(t, f.clock.Pending())
	assert.Zero(t, f.gate.charged.Load())
	assert.Len(t, f.metrics.uploadRecords(), 1)
}

func TestWaitForOutcome(t *testing.T) {
	f := newFixture()
	req := telemetry(nil)
	req.Confirmable = false
	f.adapter.UploadTelemetry(context.Background(), req)
	assert.False(t, f.sender.last().waitForOutcome)
	assert.Equal(t, QoSAtMostOnce, f.metrics.uploadRecords()[0].qos)

	f.adapter.UploadEvent(context.Background(), telemetry(nil))
	assert.True(t, f.sender.last().waitForOutcome)

	strict := newFixture(func(b *Builder) { b.StrictOrdering = true })
	strict.adapter.UploadTelemetry(context.Background(), req)
	assert.True(t, strict.sender.last().waitForOutcome)
}

func TestCommandResponseIsForwarded(t *testing.T) {
	f := newFixture()
	req := telemetry(nil)
	req.CommandRequestID = "r1"
	req.CommandStatus = intPtr(200)

	reply := f.adapter.UploadCommandResponse(context.Background(), req)
	assert.Equal(t, StatusChanged, reply.Status)
	msg := f.sender.last().msg
	assert.Equal(t, EndpointCommandResponse, msg.Endpoint)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, 200, *msg.Status)
	assert.Empty(t, f.metrics.uploadRecords())
	assert.Equal(t, []commandRecord{{DirectionResponse, OutcomeForwarded, 10}}, f.metrics.commandRecords())
}

func TestMessageCarriesDefaultsAndLogContext(t *testing.T) {
	f := newFixture(func(b *Builder) {
		b.MessageCustomizer = func(msg *Message, req *UploadRequest) {
			msg.Properties["adapter"] = "test"
		}
	})
	f.gate.defaults = map[string]string{"region": "eu"}
	req := telemetry(nil)
	req.Path = "/telemetry"
	ctx, _ := logger.ContextWithLogger(context.Background())

	f.adapter.UploadTelemetry(ctx, req)
	msg := f.sender.last().msg
	assert.Equal(t, map[string]string{"region": "eu", "resource": "/telemetry", "adapter": "test"}, msg.Properties)
	assert.Equal(t, f.clock.Now(), msg.CreatedAt)
	assert.Contains(t, string(msg.LogContext), logger.RequestIDFromContext(ctx))
}
