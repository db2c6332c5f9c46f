package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/bridge/iot"
	"github.com/relabs-tech/bridge/iot/commands"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ iot.Sender = (*Broker)(nil)

type fakeRouter struct {
	cmds []*iot.Command
}

func (r *fakeRouter) Route(ctx context.Context, cmd *iot.Command, settle commands.SettleFunc) {
	r.cmds = append(r.cmds, cmd)
	settle(commands.Accepted, nil)
}

type published struct {
	topic   string
	payload []byte
}

func testBroker(t *testing.T) (*Broker, *fakeRouter) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	router := &fakeRouter{}
	return NewBroker(&Builder{Router: router, Listener: ln}), router
}

func TestSendBeforeRun(t *testing.T) {
	b, _ := testBroker(t)
	err := b.Send(context.Background(), &iot.Message{Endpoint: iot.EndpointTelemetry}, true)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSendPublishesEnvelope(t *testing.T) {
	b, _ := testBroker(t)
	var got []published
	b.p.publish = func(topic string, payload []byte) {
		got = append(got, published{topic, payload})
	}
	ttd := 10
	created := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	msg := &iot.Message{
		Endpoint:    iot.EndpointTelemetry,
		TenantID:    "acme",
		DeviceID:    "sensor",
		ContentType: "application/json",
		Payload:     []byte(`{"temp":5}`),
		TTD:         &ttd,
		CreatedAt:   created,
	}
	require.NoError(t, b.Send(context.Background(), msg, false))
	require.Len(t, got, 1)
	assert.Equal(t, "telemetry/acme/sensor", got[0].topic)

	var d downstream
	require.NoError(t, json.Unmarshal(got[0].payload, &d))
	assert.Equal(t, "acme", d.TenantID)
	assert.Equal(t, 10, *d.TTD)
	assert.Equal(t, []byte(`{"temp":5}`), d.Payload)
	assert.True(t, created.Equal(d.CreatedAt))

	require.NoError(t, b.p.Unload())
	assert.ErrorIs(t, b.Send(context.Background(), msg, false), ErrNotRunning)
}

func TestHandleCommand(t *testing.T) {
	b, router := testBroker(t)
	ctx := context.Background()
	body := []byte(`{"name":"set","correlation_id":"r1","response_required":true,"content_type":"text/plain","payload":"b24="}`)

	b.p.handleCommand(ctx, "acme", "command/acme/sensor", body)
	require.Len(t, router.cmds, 1)
	cmd := router.cmds[0]
	assert.Equal(t, "set", cmd.Name)
	assert.Equal(t, "sensor", cmd.DeviceID)
	assert.Equal(t, "r1", cmd.RequestID)
	assert.Equal(t, []byte("on"), cmd.Payload)
	assert.False(t, cmd.OneWay)
	assert.True(t, cmd.Valid)

	// foreign tenant, bad topic and bad envelope are dropped
	b.p.handleCommand(ctx, "other", "command/acme/sensor", body)
	b.p.handleCommand(ctx, "acme", "telemetry/acme/sensor", body)
	b.p.handleCommand(ctx, "acme", "command/acme/sensor", []byte("not json"))
	assert.Len(t, router.cmds, 1)

	b.p.handleCommand(ctx, "acme", "command/acme/sensor", []byte(`{"name":"set","response_required":true}`))
	require.Len(t, router.cmds, 2)
	assert.False(t, router.cmds[1].Valid)
}

func TestMaySubscribe(t *testing.T) {
	assert.True(t, maySubscribe("acme", "telemetry/acme/#"))
	assert.True(t, maySubscribe("acme", "event/acme/sensor"))
	assert.True(t, maySubscribe("acme", "command_response/acme/+"))
	assert.False(t, maySubscribe("acme", "telemetry/other/#"))
	assert.False(t, maySubscribe("acme", "telemetry/#"))
	assert.False(t, maySubscribe("acme", "command/acme/sensor"))
	assert.False(t, maySubscribe("acme", "telemetry/acme/sensor/extra"))
}

func TestParseCommandTopic(t *testing.T) {
	tenantID, deviceID, ok := parseCommandTopic("command/acme/sensor")
	assert.True(t, ok)
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, "sensor", deviceID)

	for _, topic := range []string{"command/acme", "command//sensor", "event/acme/sensor", "command/acme/sensor/x"} {
		_, _, ok := parseCommandTopic(topic)
		assert.False(t, ok, topic)
	}
}

func TestNewBrokerPanicsWithoutRouter(t *testing.T) {
	assert.Panics(t, func() { NewBroker(&Builder{}) })
}
