// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package commands routes commands from the backend to devices waiting for them

The Router implements iot.SubscriptionFactory. Every subscription receives at
most one command. A command for a device without subscription is kept in a
bounded pending buffer until a device asks for commands or the command expires.
A released command is routed again, to the next subscription or back into the
buffer.

Two-way commands which cannot be delivered produce a command response for the
backend application: status 400 for rejected commands, 503 for expired or
dropped ones.
*/
package commands

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/bridge/core/clock"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/iot"
	"github.com/sirupsen/logrus"
)

// ErrClosed is the cause for commands routed after the router was closed
var ErrClosed = errors.New("command router closed")

// ErrExpired is the cause for commands which nobody asked for in time
var ErrExpired = errors.New("command expired")

// ErrDropped is the cause for commands pushed out of a full pending buffer
var ErrDropped = errors.New("command dropped from full pending buffer")

// Disposition is the final state of a routed command
type Disposition int

// all dispositions
const (
	Accepted Disposition = iota
	Rejected
	Undeliverable
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "undeliverable"
	}
}

// SettleFunc is called exactly once per routed command with its final state
type SettleFunc func(d Disposition, cause error)

// Router implements iot.SubscriptionFactory
type Router struct {
	mu      sync.Mutex
	waiting map[address][]*subscription
	pending map[address][]*entry
	closed  bool

	ttl        time.Duration
	maxPending int
	clock      clock.Clock
	feedback   iot.Sender
	metrics    iot.Metrics
}

// Builder is a builder helper for the Router
type Builder struct {
	// TTL is how long a command waits for its device, default 10 minutes
	TTL time.Duration
	// MaxPending is the number of commands buffered per device, default 10
	MaxPending int
	// Clock is optional
	Clock clock.Clock
	// Feedback receives command responses for two-way commands which could not
	// be delivered. Optional.
	Feedback iot.Sender
	// Metrics is optional
	Metrics iot.Metrics
}

type address struct {
	tenantID string
	deviceID string
}

type entry struct {
	cmd     *iot.Command
	settle  SettleFunc
	expires time.Time
	log     *logrus.Entry
	done    atomic.Bool
}

type subscription struct {
	router  *Router
	addr    address
	scope   iot.SubscriptionScope
	handler iot.CommandHandler
}

// New creates a router
func New(b *Builder) *Router {
	r := &Router{
		waiting:    map[address][]*subscription{},
		pending:    map[address][]*entry{},
		ttl:        b.TTL,
		maxPending: b.MaxPending,
		clock:      b.Clock,
		feedback:   b.Feedback,
		metrics:    b.Metrics,
	}
	if r.ttl <= 0 {
		r.ttl = 10 * time.Minute
	}
	if r.maxPending <= 0 {
		r.maxPending = 10
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.metrics == nil {
		r.metrics = iot.NoopMetrics{}
	}
	return r
}

// Open implements iot.SubscriptionFactory. If a command is pending for the device,
// the handler receives it before Open returns.
func (r *Router) Open(ctx context.Context, scope iot.SubscriptionScope, handler iot.CommandHandler) (iot.Subscription, error) {
	addr := address{scope.TenantID, scope.DeviceID}
	sub := &subscription{router: r, addr: addr, scope: scope, handler: handler}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	expired := r.sweepLocked(addr)
	var e *entry
	if queue := r.pending[addr]; len(queue) > 0 {
		e = queue[0]
		r.setPendingLocked(addr, queue[1:])
	} else {
		r.waiting[addr] = append(r.waiting[addr], sub)
	}
	r.mu.Unlock()

	r.dropAll(expired, ErrExpired)
	if e != nil {
		e.log.Debug("delivering pending command")
		sub.deliver(e)
	}
	return sub, nil
}

// Route hands a command to a device waiting for it, or buffers it until the
// device asks for commands. settle is called exactly once.
func (r *Router) Route(ctx context.Context, cmd *iot.Command, settle SettleFunc) {
	if settle == nil {
		settle = func(Disposition, error) {}
	}
	e := &entry{
		cmd:     cmd,
		settle:  settle,
		expires: r.clock.Now().Add(r.ttl),
		log: logger.FromContext(ctx).WithFields(logrus.Fields{
			"tenant_id":          cmd.TenantID,
			"device_id":          cmd.DeviceID,
			"command":            cmd.Name,
			"command_request_id": cmd.RequestID,
		}),
	}
	r.dispatch(e)
}

func (r *Router) dispatch(e *entry) {
	addr := address{e.cmd.TenantID, e.cmd.DeviceID}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.drop(e, ErrClosed)
		return
	}
	expired := r.sweepLocked(addr)
	if !e.expires.After(r.clock.Now()) {
		expired = append(expired, e)
		r.mu.Unlock()
		r.dropAll(expired, ErrExpired)
		return
	}
	var sub *subscription
	var overflow []*entry
	if subs := r.waiting[addr]; len(subs) > 0 {
		sub = subs[0]
		r.setWaitingLocked(addr, subs[1:])
	} else {
		queue := append(r.pending[addr], e)
		if len(queue) > r.maxPending {
			overflow = queue[:len(queue)-r.maxPending]
			queue = queue[len(queue)-r.maxPending:]
		}
		r.pending[addr] = queue
	}
	r.mu.Unlock()

	r.dropAll(expired, ErrExpired)
	r.dropAll(overflow, ErrDropped)
	if sub != nil {
		sub.deliver(e)
		return
	}
	e.log.Debug("no device waiting, command is pending")
}

// Sweep drops all expired pending commands
func (r *Router) Sweep() {
	r.mu.Lock()
	var expired []*entry
	for addr := range r.pending {
		expired = append(expired, r.sweepLocked(addr)...)
	}
	r.mu.Unlock()
	r.dropAll(expired, ErrExpired)
}

// Run sweeps expired commands every interval of the router's clock until the
// context is done
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return r.clock.AfterFunc(interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}
	timer := arm()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-tick:
			r.Sweep()
			timer = arm()
		}
	}
}

// Close drops all pending commands. Commands routed afterwards are undeliverable.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	var dropped []*entry
	for _, queue := range r.pending {
		dropped = append(dropped, queue...)
	}
	r.pending = map[address][]*entry{}
	r.waiting = map[address][]*subscription{}
	r.mu.Unlock()
	r.dropAll(dropped, ErrClosed)
}

// Pending returns the number of buffered commands for a device
func (r *Router) Pending(tenantID, deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[address{tenantID, deviceID}])
}

// Waiting returns the number of open subscriptions for a device
func (r *Router) Waiting(tenantID, deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting[address{tenantID, deviceID}])
}

func (r *Router) sweepLocked(addr address) []*entry {
	queue := r.pending[addr]
	now := r.clock.Now()
	i := 0
	for i < len(queue) && !queue[i].expires.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}
	expired := append([]*entry(nil), queue[:i]...)
	r.setPendingLocked(addr, queue[i:])
	return expired
}

func (r *Router) setPendingLocked(addr address, queue []*entry) {
	if len(queue) == 0 {
		delete(r.pending, addr)
		return
	}
	r.pending[addr] = queue
}

func (r *Router) setWaitingLocked(addr address, subs []*subscription) {
	if len(subs) == 0 {
		delete(r.waiting, addr)
		return
	}
	r.waiting[addr] = subs
}

func (r *Router) remove(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.waiting[sub.addr]
	for i, s := range subs {
		if s == sub {
			r.setWaitingLocked(sub.addr, append(subs[:i:i], subs[i+1:]...))
			return
		}
	}
}

func (r *Router) dropAll(entries []*entry, cause error) {
	for _, e := range entries {
		r.drop(e, cause)
	}
}

func (r *Router) drop(e *entry, cause error) {
	if !e.done.CompareAndSwap(false, true) {
		return
	}
	e.log.WithError(cause).Debug("command is undeliverable")
	r.metrics.RecordCommand(iot.DirectionOf(e.cmd), iot.OutcomeUndeliverable, len(e.cmd.Payload))
	r.respond(e, 503, cause)
	e.settle(Undeliverable, cause)
}

func (r *Router) reject(e *entry, cause error) {
	if !e.done.CompareAndSwap(false, true) {
		return
	}
	e.log.WithError(cause).Debug("command rejected")
	r.respond(e, 400, cause)
	e.settle(Rejected, cause)
}

func (r *Router) accept(e *entry) {
	if !e.done.CompareAndSwap(false, true) {
		return
	}
	e.log.Debug("command accepted by device")
	e.settle(Accepted, nil)
}

// respond sends a command response for a two-way command on behalf of the device
func (r *Router) respond(e *entry, status int, cause error) {
	if r.feedback == nil || e.cmd.OneWay || e.cmd.RequestID == "" {
		return
	}
	msg := &iot.Message{
		Endpoint:    iot.EndpointCommandResponse,
		TenantID:    e.cmd.TenantID,
		DeviceID:    e.cmd.DeviceID,
		ContentType: "text/plain",
		RequestID:   e.cmd.RequestID,
		Status:      &status,
		Properties:  map[string]string{},
		CreatedAt:   r.clock.Now(),
	}
	if cause != nil {
		msg.Payload = []byte(cause.Error())
	}
	if err := r.feedback.Send(context.Background(), msg, false); err != nil {
		e.log.WithError(err).Warn("cannot send command response")
	}
}

// deliver hands a copy of the command to the subscriber. The gateway of the
// copy is the one the subscription was opened for, so a device picking up its
// own command gets it without gateway addressing.
func (s *subscription) deliver(e *entry) {
	cmd := *e.cmd
	cmd.GatewayID = s.scope.GatewayID
	s.handler(&delivery{router: s.router, entry: e, cmd: &cmd})
}

// Close implements iot.Subscription
func (s *subscription) Close() error {
	s.router.remove(s)
	return nil
}

// delivery implements iot.CommandContext for one hand over of a command
type delivery struct {
	router  *Router
	entry   *entry
	cmd     *iot.Command
	settled atomic.Bool
}

func (d *delivery) Command() *iot.Command {
	return d.cmd
}

func (d *delivery) Accept() {
	if d.settled.CompareAndSwap(false, true) {
		d.router.accept(d.entry)
	}
}

func (d *delivery) Reject(cause error) {
	if d.settled.CompareAndSwap(false, true) {
		d.router.reject(d.entry, cause)
	}
}

func (d *delivery) Release() {
	if d.settled.CompareAndSwap(false, true) {
		d.entry.log.Debug("command released, routing again")
		d.router.dispatch(d.entry)
	}
}
