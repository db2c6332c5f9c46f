// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import (
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/bridge/core/clock"
	"github.com/sirupsen/logrus"
)

// RaceConfig configures a Race
type RaceConfig struct {
	// Validate decides whether a winning command may be delivered. Defaults to the
	// command's Valid flag.
	Validate func(*Command) bool
	// Admit is an additional check for a winning command, e.g. a message limit.
	// A non-nil error rejects the command. Optional.
	Admit func(*Command) error
	// Charge accounts a delivered command, e.g. to the tenant's data volume.
	// Released and rejected commands are not charged. Optional.
	Charge func(*Command)
	// Metrics receives records for commands that are rejected or released. Optional.
	Metrics Metrics
	// Log is the request logger. Optional.
	Log *logrus.Entry
}

// Race decides between the expiry of a device's waiting window and the arrival
// of a command. Exactly one of TryWinWithTimer and TryWinWithCommand wins; the
// winner closes the bound subscription, stops the timer and signals Ready.
type Race struct {
	decided atomic.Bool
	ready   chan struct{}

	// written by the winner before ready is closed
	outcome Outcome
	command CommandContext

	validate func(*Command) bool
	admit    func(*Command) error
	charge   func(*Command)
	metrics  Metrics
	log      *logrus.Entry

	mu             sync.Mutex
	sub            Subscription
	closeRequested bool
	subClosed      bool
	timer          clock.Timer
	settled        bool
}

// NewRace returns an undecided race
func NewRace(c RaceConfig) *Race {
	r := &Race{
		ready:    make(chan struct{}),
		validate: c.Validate,
		admit:    c.Admit,
		charge:   c.Charge,
		metrics:  c.Metrics,
		log:      c.Log,
	}
	if r.validate == nil {
		r.validate = DefaultCommandValidator
	}
	if r.metrics == nil {
		r.metrics = NoopMetrics{}
	}
	if r.log == nil {
		r.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return r
}

// decidedRace returns a race which is already over. It stands in for requests
// that do not wait for a command.
func decidedRace() *Race {
	r := NewRace(RaceConfig{})
	r.decided.Store(true)
	r.outcome = OutcomeNotApplicable
	close(r.ready)
	return r
}

// DefaultCommandValidator accepts commands which the transport marked valid
func DefaultCommandValidator(c *Command) bool {
	return c.Valid
}

// Ready is closed once the race is decided
func (r *Race) Ready() <-chan struct{} {
	return r.ready
}

// Decided is true once either side has won
func (r *Race) Decided() bool {
	return r.decided.Load()
}

// Outcome returns the result. Only meaningful after Ready is closed.
func (r *Race) Outcome() Outcome {
	return r.outcome
}

// Command returns the winning command, or nil if the timer won or the winning
// command was rejected. Only meaningful after Ready is closed.
func (r *Race) Command() CommandContext {
	return r.command
}

// TryWinWithTimer is the expiry callback. It is a no-op if a command won already.
func (r *Race) TryWinWithTimer() bool {
	if !r.decided.CompareAndSwap(false, true) {
		r.log.Trace("waiting window expired, command won already")
		return false
	}
	r.log.Trace("waiting window expired without command")
	r.outcome = OutcomeTimerWon
	r.finish()
	return true
}

// TryWinWithCommand is the command handler of the subscription. A command that
// loses the race is released to the transport, never dropped.
func (r *Race) TryWinWithCommand(cc CommandContext) bool {
	cmd := cc.Command()
	if !r.decided.CompareAndSwap(false, true) {
		r.log.WithField("command", cmd.Name).Debug("race decided already, releasing command")
		r.metrics.RecordCommand(DirectionOf(cmd), OutcomeUndeliverable, len(cmd.Payload))
		cc.Release()
		return false
	}
	r.outcome = OutcomeCommandWon
	r.stopTimer()

	switch {
	case !r.validate(cmd):
		r.log.WithField("command", cmd.Name).Debug("command message is invalid")
		r.metrics.RecordCommand(DirectionOf(cmd), OutcomeUnprocessable, len(cmd.Payload))
		cc.Reject(NewCommandError("malformed command message"))
	case r.admit != nil:
		if err := r.admit(cmd); err != nil {
			r.log.WithError(err).WithField("command", cmd.Name).Debug("command not admitted")
			r.metrics.RecordCommand(DirectionOf(cmd), outcomeOf(err), len(cmd.Payload))
			cc.Reject(err)
			break
		}
		r.command = cc
	default:
		r.command = cc
	}
	r.finish()
	return true
}

// Abort ends the race on a failure path. If the race is still open it is decided
// without a command; a command that won already is released.
func (r *Race) Abort() {
	if r.decided.CompareAndSwap(false, true) {
		r.outcome = OutcomeNotApplicable
		r.stopTimer()
		r.finish()
		return
	}
	<-r.ready
	r.mu.Lock()
	cc := r.command
	settle := cc != nil && !r.settled
	r.settled = r.settled || settle
	r.mu.Unlock()
	if settle {
		cmd := cc.Command()
		r.metrics.RecordCommand(DirectionOf(cmd), OutcomeUndeliverable, len(cmd.Payload))
		cc.Release()
	}
	r.closeSubscription()
}

// Deliver accepts the winning command, if any, and returns it. It must be called
// at most once, after Ready is closed, by the party which puts the command into
// the device's reply.
func (r *Race) Deliver() *Command {
	<-r.ready
	r.mu.Lock()
	cc := r.command
	settle := cc != nil && !r.settled
	r.settled = r.settled || settle
	r.mu.Unlock()
	if !settle {
		return nil
	}
	cc.Accept()
	cmd := cc.Command()
	if r.charge != nil {
		r.charge(cmd)
	}
	return cmd
}

// Bind hands the subscription to the race. If the race is decided already, the
// subscription is closed right away.
func (r *Race) Bind(sub Subscription) {
	r.mu.Lock()
	r.sub = sub
	if !r.closeRequested || r.subClosed {
		r.mu.Unlock()
		return
	}
	r.subClosed = true
	r.mu.Unlock()
	r.closeSub(sub)
}

// SetTimer hands the expiry timer to the race. If the race is decided already,
// the timer is stopped right away.
func (r *Race) SetTimer(t clock.Timer) {
	r.mu.Lock()
	if r.decided.Load() {
		r.mu.Unlock()
		t.Stop()
		return
	}
	r.timer = t
	r.mu.Unlock()
}

func (r *Race) finish() {
	r.closeSubscription()
	close(r.ready)
}

func (r *Race) stopTimer() {
	r.mu.Lock()
	t := r.timer
	r.timer = nil
	r.mu.Unlock()
	if t != nil && t.Stop() {
		r.log.Trace("canceled command reception timer")
	}
}

func (r *Race) closeSubscription() {
	r.mu.Lock()
	r.closeRequested = true
	sub := r.sub
	if sub == nil || r.subClosed {
		r.mu.Unlock()
		return
	}
	r.subClosed = true
	r.mu.Unlock()
	r.closeSub(sub)
}

func (r *Race) closeSub(sub Subscription) {
	if err := sub.Close(); err != nil {
		r.log.WithError(err).Warn("cannot close command subscription")
	}
}
