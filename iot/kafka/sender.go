// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package kafka connects the bridge to the messaging backend through kafka.
// The Sender forwards device messages, the CommandSource consumes commands.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/iot"
	"github.com/segmentio/kafka-go"
)

// Writer is the part of kafka.Writer the sender uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Topics are the downstream topics per endpoint
type Topics struct {
	Telemetry       string
	Event           string
	CommandResponse string
}

// DefaultTopics returns the default topic names
func DefaultTopics() Topics {
	return Topics{
		Telemetry:       "bridge.telemetry",
		Event:           "bridge.event",
		CommandResponse: "bridge.command_response",
	}
}

func (t Topics) of(endpoint iot.Endpoint) (string, error) {
	switch endpoint {
	case iot.EndpointTelemetry:
		return t.Telemetry, nil
	case iot.EndpointEvent:
		return t.Event, nil
	case iot.EndpointCommandResponse:
		return t.CommandResponse, nil
	}
	return "", fmt.Errorf("no topic for endpoint %s", endpoint)
}

// Sender implements iot.Sender. Messages which must be confirmed are written
// synchronously and acknowledged by all in-sync replicas, all others are
// written asynchronously with leader acknowledgement.
type Sender struct {
	sync   Writer
	async  Writer
	topics Topics
}

// Builder is a builder helper for the Sender
type Builder struct {
	// Brokers is mandatory unless both writers are given
	Brokers []string
	// Topics defaults to DefaultTopics()
	Topics *Topics
	// SyncWriter and AsyncWriter replace the default kafka writers
	SyncWriter  Writer
	AsyncWriter Writer
}

// NewSender creates a sender
func NewSender(b *Builder) *Sender {
	s := &Sender{sync: b.SyncWriter, async: b.AsyncWriter, topics: DefaultTopics()}
	if b.Topics != nil {
		s.topics = *b.Topics
	}
	if (s.sync == nil || s.async == nil) && len(b.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if s.sync == nil {
		s.sync = &kafka.Writer{
			Addr:                   kafka.TCP(b.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           5 * time.Millisecond,
			WriteTimeout:           10 * time.Second,
			AllowAutoTopicCreation: true,
		}
	}
	if s.async == nil {
		s.async = &kafka.Writer{
			Addr:                   kafka.TCP(b.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			Async:                  true,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Default().WithError(err).Errorf("cannot write %d messages", len(messages))
				}
			},
		}
	}
	return s
}

// Send implements iot.Sender
func (s *Sender) Send(ctx context.Context, msg *iot.Message, waitForOutcome bool) error {
	topic, err := s.topics.of(msg.Endpoint)
	if err != nil {
		return err
	}
	w := s.async
	if waitForOutcome {
		w = s.sync
	}
	if err := w.WriteMessages(ctx, encode(topic, msg)); err != nil {
		return fmt.Errorf("cannot write to topic %s: %w", topic, err)
	}
	logger.FromContext(ctx).WithField("topic", topic).Trace("message written")
	return nil
}

// Close flushes and closes both writers
func (s *Sender) Close() error {
	errAsync := s.async.Close()
	errSync := s.sync.Close()
	if errAsync != nil {
		return errAsync
	}
	return errSync
}
