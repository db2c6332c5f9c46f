package commands

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/bridge/core/clock"
	"github.com/relabs-tech/bridge/iot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ iot.SubscriptionFactory = (*Router)(nil)

type settlement struct {
	d     Disposition
	cause error
}

type recorder struct {
	mu  sync.Mutex
	got []settlement
}

func (r *recorder) settle(d Disposition, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, settlement{d, cause})
}

func (r *recorder) all() []settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]settlement(nil), r.got...)
}

type feedbackSender struct {
	mu   sync.Mutex
	msgs []*iot.Message
}

func (s *feedbackSender) Send(ctx context.Context, msg *iot.Message, waitForOutcome bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func command(name string) *iot.Command {
	return &iot.Command{Name: name, TenantID: "acme", DeviceID: "sensor", RequestID: "r-" + name, Valid: true}
}

func scope() iot.SubscriptionScope {
	return iot.SubscriptionScope{TenantID: "acme", DeviceID: "sensor"}
}

func newRouter() (*Router, *clock.Manual, *feedbackSender) {
	m := clock.NewManual(time.Unix(0, 0))
	fb := &feedbackSender{}
	return New(&Builder{TTL: time.Minute, MaxPending: 2, Clock: m, Feedback: fb}), m, fb
}

func TestRouteToWaitingDevice(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	var got []iot.CommandContext
	_, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { got = append(got, cc) })
	require.NoError(t, err)
	assert.Equal(t, 1, r.Waiting("acme", "sensor"))

	rec := &recorder{}
	r.Route(ctx, command("a"), rec.settle)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Command().Name)
	assert.Zero(t, r.Waiting("acme", "sensor"))

	// a subscription receives at most one command
	r.Route(ctx, command("b"), rec.settle)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, r.Pending("acme", "sensor"))

	got[0].Accept()
	got[0].Accept()
	assert.Equal(t, []settlement{{Accepted, nil}}, rec.all())
}

func TestPendingCommandIsDeliveredOnOpen(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	rec := &recorder{}
	r.Route(ctx, command("a"), rec.settle)
	assert.Equal(t, 1, r.Pending("acme", "sensor"))

	var got iot.CommandContext
	sub, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { got = cc })
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Command().Name)
	assert.Zero(t, r.Pending("acme", "sensor"))
	assert.Zero(t, r.Waiting("acme", "sensor"))
	assert.NoError(t, sub.Close())
}

func TestReleasedCommandIsRoutedAgain(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	rec := &recorder{}
	_, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { cc.Release() })
	require.NoError(t, err)

	var second iot.CommandContext
	_, err = r.Open(ctx, scope(), func(cc iot.CommandContext) { second = cc })
	require.NoError(t, err)

	r.Route(ctx, command("a"), rec.settle)
	require.NotNil(t, second)
	assert.Equal(t, "a", second.Command().Name)
	assert.Empty(t, rec.all())

	second.Release()
	assert.Equal(t, 1, r.Pending("acme", "sensor"))
}

func TestRejectSendsFeedback(t *testing.T) {
	r, _, fb := newRouter()
	ctx := context.Background()
	rec := &recorder{}
	_, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { cc.Reject(errors.New("malformed")) })
	require.NoError(t, err)

	r.Route(ctx, command("a"), rec.settle)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, Rejected, rec.all()[0].d)
	require.Len(t, fb.msgs, 1)
	assert.Equal(t, iot.EndpointCommandResponse, fb.msgs[0].Endpoint)
	assert.Equal(t, "r-a", fb.msgs[0].RequestID)
	assert.Equal(t, 400, *fb.msgs[0].Status)
	assert.Equal(t, "malformed", string(fb.msgs[0].Payload))
}

func TestOneWayRejectHasNoFeedback(t *testing.T) {
	r, _, fb := newRouter()
	ctx := context.Background()
	_, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { cc.Reject(errors.New("malformed")) })
	require.NoError(t, err)
	cmd := command("a")
	cmd.OneWay = true
	r.Route(ctx, cmd, nil)
	assert.Empty(t, fb.msgs)
}

func TestPendingCommandsExpire(t *testing.T) {
	r, m, fb := newRouter()
	ctx := context.Background()
	rec := &recorder{}
	r.Route(ctx, command("a"), rec.settle)

	m.Advance(time.Minute)
	r.Sweep()
	assert.Zero(t, r.Pending("acme", "sensor"))
	assert.Equal(t, []settlement{{Undeliverable, ErrExpired}}, rec.all())
	require.Len(t, fb.msgs, 1)
	assert.Equal(t, 503, *fb.msgs[0].Status)

	called := false
	_, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { called = true })
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRunSweepsOnRouterClock(t *testing.T) {
	r, m, _ := newRouter()
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	r.Route(ctx, command("a"), rec.settle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, 30*time.Second)
	}()
	require.Eventually(t, func() bool { return m.Pending() == 1 }, 5*time.Second, time.Millisecond)

	m.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return m.Pending() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, r.Pending("acme", "sensor"))

	m.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []settlement{{Undeliverable, ErrExpired}}, rec.all())
	assert.Zero(t, r.Pending("acme", "sensor"))

	cancel()
	<-done
}

func TestPendingBufferIsBounded(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	first := &recorder{}
	r.Route(ctx, command("a"), first.settle)
	r.Route(ctx, command("b"), nil)
	r.Route(ctx, command("c"), nil)

	assert.Equal(t, 2, r.Pending("acme", "sensor"))
	assert.Equal(t, []settlement{{Undeliverable, ErrDropped}}, first.all())

	var got iot.CommandContext
	_, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { got = cc })
	require.NoError(t, err)
	assert.Equal(t, "b", got.Command().Name)
}

func TestGatewaySubscription(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	var got iot.CommandContext
	s := scope()
	s.GatewayID = "gw"
	_, err := r.Open(ctx, s, func(cc iot.CommandContext) { got = cc })
	require.NoError(t, err)

	cmd := command("a")
	r.Route(ctx, cmd, nil)
	require.NotNil(t, got)
	assert.Equal(t, "gw", got.Command().GatewayID)
	assert.True(t, got.Command().TargetedAtGateway())
	assert.Empty(t, cmd.GatewayID)
}

func TestDeviceSubscriptionDropsGateway(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	var got iot.CommandContext
	_, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { got = cc })
	require.NoError(t, err)

	cmd := command("a")
	cmd.GatewayID = "gw"
	r.Route(ctx, cmd, nil)
	require.NotNil(t, got)
	assert.Empty(t, got.Command().GatewayID)
	assert.False(t, got.Command().TargetedAtGateway())
	assert.Equal(t, "gw", cmd.GatewayID)
}

func TestClosedSubscriptionGetsNothing(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	called := false
	sub, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { called = true })
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	r.Route(ctx, command("a"), nil)
	assert.False(t, called)
	assert.Equal(t, 1, r.Pending("acme", "sensor"))
}

func TestCloseRouter(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	rec := &recorder{}
	r.Route(ctx, command("a"), rec.settle)
	r.Close()
	assert.Equal(t, []settlement{{Undeliverable, ErrClosed}}, rec.all())

	_, err := r.Open(ctx, scope(), func(iot.CommandContext) {})
	assert.ErrorIs(t, err, ErrClosed)

	late := &recorder{}
	r.Route(ctx, command("b"), late.settle)
	assert.Equal(t, []settlement{{Undeliverable, ErrClosed}}, late.all())
}

func TestRouterWithAdapterRace(t *testing.T) {
	r, _, _ := newRouter()
	ctx := context.Background()
	race := iot.NewRace(iot.RaceConfig{})
	sub, err := r.Open(ctx, scope(), func(cc iot.CommandContext) { race.TryWinWithCommand(cc) })
	require.NoError(t, err)
	race.Bind(sub)

	rec := &recorder{}
	r.Route(ctx, command("a"), rec.settle)
	<-race.Ready()
	cmd := race.Deliver()
	require.NotNil(t, cmd)
	assert.Equal(t, "a", cmd.Name)
	assert.Equal(t, []settlement{{Accepted, nil}}, rec.all())

	// the race is over, a second command waits for the next request
	r.Route(ctx, command("b"), nil)
	assert.Equal(t, 1, r.Pending("acme", "sensor"))
}
