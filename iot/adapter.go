// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/bridge/core/clock"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Adapter forwards device uploads to the messaging backend and piggybacks
// commands on the replies of devices that wait for them.
type Adapter struct {
	gate      TenantGate
	sender    Sender
	commands  SubscriptionFactory
	metrics   Metrics
	clock     clock.Clock
	validate  func(*Command) bool
	customize MessageCustomizer

	strictOrdering bool
}

// Builder is a builder helper for the Adapter
type Builder struct {
	// Gate resolves tenants and device registrations. This is mandatory.
	Gate TenantGate
	// Sender forwards messages downstream. This is mandatory.
	Sender Sender
	// Commands opens command subscriptions. This is mandatory.
	Commands SubscriptionFactory
	// Metrics is optional
	Metrics Metrics
	// Clock is optional, the default is the wall clock
	Clock clock.Clock
	// CommandValidator lets a concrete adapter add protocol specific checks before
	// a command is delivered. The default accepts commands marked valid.
	CommandValidator func(*Command) bool
	// MessageCustomizer is optional
	MessageCustomizer MessageCustomizer
	// StrictOrdering makes unconfirmed telemetry wait for the backend's outcome too,
	// for transports which require strict per-device ordering.
	StrictOrdering bool
}

// New creates an adapter
func New(b *Builder) *Adapter {
	if b.Gate == nil {
		panic("Gate is missing")
	}
	if b.Sender == nil {
		panic("Sender is missing")
	}
	if b.Commands == nil {
		panic("Commands is missing")
	}
	a := &Adapter{
		gate:           b.Gate,
		sender:         b.Sender,
		commands:       b.Commands,
		metrics:        b.Metrics,
		clock:          b.Clock,
		validate:       b.CommandValidator,
		customize:      b.MessageCustomizer,
		strictOrdering: b.StrictOrdering,
	}
	if a.metrics == nil {
		a.metrics = NoopMetrics{}
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	if a.validate == nil {
		a.validate = DefaultCommandValidator
	}
	return a
}

// UploadTelemetry forwards telemetry data. Confirmable requests wait for the
// backend's outcome, unconfirmed ones only do so with strict ordering.
func (a *Adapter) UploadTelemetry(ctx context.Context, req *UploadRequest) Reply {
	req.Endpoint = EndpointTelemetry
	return a.upload(ctx, req, req.Confirmable || a.strictOrdering)
}

// UploadEvent forwards an event. Events must be sent confirmable.
func (a *Adapter) UploadEvent(ctx context.Context, req *UploadRequest) Reply {
	req.Endpoint = EndpointEvent
	return a.upload(ctx, req, true)
}

// UploadCommandResponse forwards a device's response to a command. Responses
// must be sent confirmable and name the command's request ID and a status.
func (a *Adapter) UploadCommandResponse(ctx context.Context, req *UploadRequest) Reply {
	req.Endpoint = EndpointCommandResponse
	return a.upload(ctx, req, true)
}

func (a *Adapter) upload(ctx context.Context, req *UploadRequest, waitForOutcome bool) Reply {
	ctx, rlog := logger.ContextWithDevice(ctx, req.TenantID, req.DeviceID)
	rlog = rlog.WithField("endpoint", req.Endpoint)
	u := &upload{
		adapter: a,
		req:     req,
		qos:     QoSAtMostOnce,
		log:     rlog,
	}
	if waitForOutcome {
		u.qos = QoSAtLeastOnce
	}

	if err := checkRequest(req); err != nil {
		return u.fail(err)
	}

	var (
		tenant    *TenantConfig
		assertion *Assertion
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := a.gate.ResolveTenant(gctx, req.TenantID)
		if err != nil {
			return err
		}
		if err := a.gate.IsEnabled(gctx, t); err != nil {
			return err
		}
		if err := a.gate.CheckLimit(gctx, t, len(req.Payload)); err != nil {
			return err
		}
		tenant = t
		return nil
	})
	g.Go(func() error {
		var err error
		assertion, err = a.gate.ResolveRegistration(gctx, req.TenantID, req.DeviceID, req.AuthenticatedDeviceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return u.fail(err)
	}

	ttd := EffectiveTTD(req.TTD, tenant.MaxTTD)
	race, err := a.openRace(ctx, req, tenant, ttd, rlog)
	if err != nil {
		return u.fail(err)
	}
	u.race = race

	msg := newMessage(ctx, req, assertion, ttd, a.clock.Now())
	if a.customize != nil {
		a.customize(msg, req)
	}
	if err := a.sender.Send(ctx, msg, waitForOutcome); err != nil {
		return u.fail(NewTransportError("cannot forward message", err))
	}
	a.gate.Charge(context.WithoutCancel(ctx), tenant, len(req.Payload))

	select {
	case <-race.Ready():
	case <-ctx.Done():
		return u.fail(NewTransportError("request canceled while waiting for command", ctx.Err()))
	}

	reply := Reply{Status: StatusChanged}
	if cmd := race.Deliver(); cmd != nil {
		addCommandToReply(&reply, cmd)
		rlog.WithFields(logrus.Fields{"command": cmd.Name, "command_request_id": cmd.RequestID}).Debug("adding command to response")
		a.metrics.RecordCommand(DirectionOf(cmd), OutcomeForwarded, len(cmd.Payload))
	} else if ttd != nil {
		rlog.WithField("outcome", race.Outcome()).Debug("no command for device")
	}
	u.record(OutcomeForwarded)
	rlog.Trace("successfully processed message")
	return reply
}

// openRace opens a command subscription and arms the expiry timer for requests
// which wait for a command. Requests without waiting window get a race which is
// decided already.
func (a *Adapter) openRace(ctx context.Context, req *UploadRequest, tenant *TenantConfig, ttd *int, rlog *logrus.Entry) (*Race, error) {
	if ttd == nil {
		return decidedRace(), nil
	}
	rlog = rlog.WithField("ttd", *ttd)
	race := NewRace(RaceConfig{
		Validate: a.validate,
		Admit: func(cmd *Command) error {
			return a.gate.CheckLimit(ctx, tenant, len(cmd.Payload))
		},
		Charge: func(cmd *Command) {
			a.gate.Charge(context.WithoutCancel(ctx), tenant, len(cmd.Payload))
		},
		Metrics: a.metrics,
		Log:     rlog,
	})
	scope := ScopeFor(req)
	sub, err := a.commands.Open(ctx, scope, func(cc CommandContext) { race.TryWinWithCommand(cc) })
	if err != nil {
		return nil, NewTransportError("cannot open command subscription", err)
	}
	race.Bind(sub)
	if !race.Decided() {
		race.SetTimer(a.clock.AfterFunc(time.Duration(*ttd)*time.Second, func() { race.TryWinWithTimer() }))
	}
	rlog.Debug("waiting for command")
	return race, nil
}

// checkRequest rejects malformed requests before any collaborator is contacted
func checkRequest(req *UploadRequest) error {
	switch {
	case req.ContentType == "":
		return NewClientError("request message must contain content type")
	case len(req.Payload) == 0 && !req.EmptyNotification:
		return NewClientError("request contains no body but is not marked as empty notification")
	}
	switch req.Endpoint {
	case EndpointEvent:
		if !req.Confirmable {
			return NewClientError("event endpoint supports confirmable request messages only")
		}
	case EndpointCommandResponse:
		if !req.Confirmable {
			return NewClientError("command response endpoint supports confirmable request messages only")
		}
		if req.CommandRequestID == "" || req.CommandStatus == nil || *req.CommandStatus < 200 || *req.CommandStatus >= 600 {
			return NewClientError(fmt.Sprintf("command request id [%s] or status code is missing/invalid", req.CommandRequestID))
		}
	}
	return nil
}

// upload is the per request state owned by the orchestrating goroutine
type upload struct {
	adapter *Adapter
	req     *UploadRequest
	qos     QoS
	race    *Race
	log     *logrus.Entry
}

func (u *upload) ttdStatus() TTDStatus {
	if u.race == nil {
		return TTDStatusNone
	}
	select {
	case <-u.race.Ready():
		return u.race.Outcome().TTDStatus()
	default:
		return TTDStatusNone
	}
}

func (u *upload) record(outcome ProcessingOutcome) {
	if u.req.Endpoint == EndpointCommandResponse {
		u.adapter.metrics.RecordCommand(DirectionResponse, outcome, len(u.req.Payload))
		return
	}
	u.adapter.metrics.RecordUpload(outcome, u.req.Endpoint, u.qos, len(u.req.Payload), u.ttdStatus())
}

// fail releases all per request resources and turns the error into the reply
func (u *upload) fail(err error) Reply {
	if u.race != nil {
		u.race.Abort()
	}
	u.record(outcomeOf(err))
	status := StatusOf(err)
	u.log.WithError(err).WithField("status", status).Debug("cannot process message")
	return Reply{Status: status, Message: err.Error()}
}
