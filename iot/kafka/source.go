package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/iot"
	"github.com/relabs-tech/bridge/iot/commands"
	"github.com/segmentio/kafka-go"
)

// Reader is the part of kafka.Reader the command source uses
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Router receives the consumed commands
type Router interface {
	Route(ctx context.Context, cmd *iot.Command, settle commands.SettleFunc)
}

// CommandSource consumes commands from a topic and routes them to devices.
// Offsets are committed once a command is handed to the router.
type CommandSource struct {
	reader Reader
	router Router
}

// SourceBuilder is a builder helper for the CommandSource
type SourceBuilder struct {
	Brokers []string
	// Topic defaults to "bridge.command"
	Topic string
	// GroupID defaults to "bridge"
	GroupID string
	// Reader replaces the default kafka reader
	Reader Reader
	// Router is mandatory
	Router Router
}

// NewCommandSource creates a command source
func NewCommandSource(b *SourceBuilder) *CommandSource {
	if b.Router == nil {
		panic("Router is missing")
	}
	s := &CommandSource{reader: b.Reader, router: b.Router}
	if s.reader == nil {
		if len(b.Brokers) == 0 {
			panic("Brokers are missing")
		}
		topic := b.Topic
		if topic == "" {
			topic = "bridge.command"
		}
		groupID := b.GroupID
		if groupID == "" {
			groupID = "bridge"
		}
		s.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        b.Brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0,
		})
	}
	return s
}

// Run consumes commands until the context is canceled
func (s *CommandSource) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	rlog.Infoln("command source started")
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				rlog.Infoln("command source stopped")
				return nil
			}
			return err
		}
		s.handle(ctx, m)
		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			rlog.WithError(err).Error("cannot commit command offset")
		}
	}
}

func (s *CommandSource) handle(ctx context.Context, m kafka.Message) {
	mctx := logger.ContextWithLoggerFromData(ctx, []byte(header(m, HeaderLogContext)))
	rlog := logger.FromContext(mctx)
	cmd, ok := decodeCommand(m)
	if !ok {
		rlog.WithField("offset", m.Offset).Warn("command without tenant or device, skipping")
		return
	}
	created := creationTime(m)
	s.router.Route(mctx, cmd, func(d commands.Disposition, cause error) {
		entry := rlog.WithField("command", cmd.Name).WithField("disposition", d.String())
		if !created.IsZero() {
			entry = entry.WithField("latency", time.Since(created).String())
		}
		if cause != nil {
			entry = entry.WithError(cause)
		}
		entry.Debug("command settled")
	})
}

// Close closes the reader
func (s *CommandSource) Close() error {
	return s.reader.Close()
}
