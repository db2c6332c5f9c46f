package iot

import (
	"context"
	"sync"
	"sync/atomic"
)

type fakeGate struct {
	tenants      map[string]*TenantConfig
	disabledErr  error
	limitErr     error
	commandLimit int
	registration error
	defaults     map[string]string
	calls        atomic.Int32
	charged      atomic.Int64
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		tenants: map[string]*TenantConfig{
			"tenant": {TenantID: "tenant", Enabled: true},
		},
	}
}

func (g *fakeGate) ResolveTenant(ctx context.Context, tenantID string) (*TenantConfig, error) {
	g.calls.Add(1)
	t, ok := g.tenants[tenantID]
	if !ok {
		return nil, NewTenantError(StatusNotFound, "no such tenant")
	}
	return t, nil
}

func (g *fakeGate) ResolveRegistration(ctx context.Context, tenantID, deviceID, authenticatedDeviceID string) (*Assertion, error) {
	g.calls.Add(1)
	if g.registration != nil {
		return nil, g.registration
	}
	return &Assertion{TenantID: tenantID, DeviceID: deviceID, Defaults: g.defaults}, nil
}

func (g *fakeGate) CheckLimit(ctx context.Context, tenant *TenantConfig, size int) error {
	if g.commandLimit > 0 && size > g.commandLimit {
		return NewTenantError(StatusTooManyRequests, "limit exceeded")
	}
	return g.limitErr
}

func (g *fakeGate) Charge(ctx context.Context, tenant *TenantConfig, size int) {
	g.charged.Add(int64(size))
}

func (g *fakeGate) IsEnabled(ctx context.Context, tenant *TenantConfig) error {
	if g.disabledErr != nil {
		return g.disabledErr
	}
	if !tenant.Enabled {
		return NewTenantError(StatusForbidden, "adapter disabled for tenant")
	}
	return nil
}

type sendCall struct {
	msg            *Message
	waitForOutcome bool
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
	sent  chan *Message
	// onSend runs inside Send, before it returns
	onSend func(*Message)
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan *Message, 16)}
}

func (s *fakeSender) Send(ctx context.Context, msg *Message, waitForOutcome bool) error {
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{msg: msg, waitForOutcome: waitForOutcome})
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend(msg)
	}
	s.sent <- msg
	return s.err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSender) last() sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type fakeSubscription struct {
	closed atomic.Int32
}

func (s *fakeSubscription) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeCommands struct {
	mu      sync.Mutex
	scopes  []SubscriptionScope
	subs    []*fakeSubscription
	handler CommandHandler
	err     error
	// pending is delivered from within Open, like a buffered command
	pending *fakeCommandContext
}

func (f *fakeCommands) Open(ctx context.Context, scope SubscriptionScope, handler CommandHandler) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSubscription{}
	f.mu.Lock()
	f.scopes = append(f.scopes, scope)
	f.subs = append(f.subs, sub)
	f.handler = handler
	pending := f.pending
	f.mu.Unlock()
	if pending != nil {
		handler(pending)
	}
	return sub, nil
}

func (f *fakeCommands) deliver(cc *fakeCommandContext) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(cc)
}

func (f *fakeCommands) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeCommands) sub(i int) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type fakeCommandContext struct {
	cmd      *Command
	accepted atomic.Int32
	rejected atomic.Int32
	released atomic.Int32
	cause    error
}

func newCommand(name string) *fakeCommandContext {
	return &fakeCommandContext{cmd: &Command{
		Name:        name,
		TenantID:    "tenant",
		DeviceID:    "device",
		RequestID:   "req-1",
		ContentType: "application/json",
		Payload:     []byte(`{"on":true}`),
		Valid:       true,
	}}
}

func (c *fakeCommandContext) Command() *Command { return c.cmd }
func (c *fakeCommandContext) Accept()           { c.accepted.Add(1) }
func (c *fakeCommandContext) Reject(cause error) {
	c.cause = cause
	c.rejected.Add(1)
}
func (c *fakeCommandContext) Release() { c.released.Add(1) }

func (c *fakeCommandContext) settlements() int32 {
	return c.accepted.Load() + c.rejected.Load() + c.released.Load()
}

type uploadRecord struct {
	outcome  ProcessingOutcome
	endpoint Endpoint
	qos      QoS
	size     int
	ttd      TTDStatus
}

type commandRecord struct {
	direction Direction
	outcome   ProcessingOutcome
	size      int
}

type fakeMetrics struct {
	mu       sync.Mutex
	uploads  []uploadRecord
	commands []commandRecord
}

func (m *fakeMetrics) RecordUpload(outcome ProcessingOutcome, endpoint Endpoint, qos QoS, size int, ttd TTDStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, uploadRecord{outcome, endpoint, qos, size, ttd})
}

func (m *fakeMetrics) RecordCommand(direction Direction, outcome ProcessingOutcome, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, commandRecord{direction, outcome, size})
}

func (m *fakeMetrics) uploadRecords() []uploadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uploadRecord(nil), m.uploads...)
}

func (m *fakeMetrics) commandRecords() []commandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]commandRecord(nil), m.commands...)
}

func intPtr(i int) *int {
	return &i
}
