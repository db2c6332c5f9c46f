// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command bridge runs the HTTP protocol adapter with its management API.
//
// Device messages are forwarded to kafka, SQS or MQTT, see DOWNSTREAM.
// Commands are consumed from kafka when KAFKA_BROKERS is set, and from
// back-end applications connected to the MQTT broker when MQTT_ADDRESS is set.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/relabs-tech/bridge/core/clock"
	"github.com/relabs-tech/bridge/core/csql"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/core/metrics"
	"github.com/relabs-tech/bridge/core/registry"
	"github.com/relabs-tech/bridge/iot"
	"github.com/relabs-tech/bridge/iot/commands"
	"github.com/relabs-tech/bridge/iot/credentials"
	"github.com/relabs-tech/bridge/iot/gate"
	"github.com/relabs-tech/bridge/iot/httpadapter"
	"github.com/relabs-tech/bridge/iot/kafka"
	"github.com/relabs-tech/bridge/iot/management"
	"github.com/relabs-tech/bridge/iot/mqtt"
	"github.com/relabs-tech/bridge/iot/sqs"
	"golang.org/x/sync/errgroup"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	HTTPAddress       string `env:"HTTP_ADDRESS,default=:8080" description:"listen address of the device API"`
	ManagementAddress string `env:"MANAGEMENT_ADDRESS,default=:8081" description:"listen address of the management API and /metrics"`
	LogLevel          string `env:"LOG_LEVEL,default=info" description:"the log level"`

	Postgres       string `env:"POSTGRES" description:"the connection string for the Postgres DB, tenants and devices are kept in memory without"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=bridge" description:"the schema of the registry"`
	RedisAddress   string `env:"REDIS_ADDRESS" description:"the redis server for data volume limits, volumes are counted in memory without"`

	Downstream        string `env:"DOWNSTREAM,default=kafka" description:"where device messages go: kafka, sqs or mqtt"`
	KafkaBrokers      string `env:"KAFKA_BROKERS" description:"comma separated list of kafka brokers"`
	KafkaCommandTopic string `env:"KAFKA_COMMAND_TOPIC,default=bridge.command" description:"the topic commands are consumed from"`
	KafkaGroupID      string `env:"KAFKA_GROUP_ID,default=bridge" description:"the consumer group of the command source"`

	SQSQueueURL  string `env:"SQS_QUEUE_URL" description:"the queue device messages are sent to with DOWNSTREAM=sqs"`
	AWSRegion    string `env:"AWS_REGION,default=eu-central-1" description:"the AWS region"`
	AWSAccessID  string `env:"AWS_ACCESS_ID" description:"static AWS credentials, the default credential chain is used without"`
	AWSAccessKey string `env:"AWS_ACCESS_KEY" description:"static AWS credentials"`
	S3Bucket     string `env:"S3_BUCKET" description:"the bucket large payloads are offloaded to"`

	MQTTAddress    string `env:"MQTT_ADDRESS" description:"listen address of the MQTT broker for back-end applications"`
	MQTTCACertFile string `env:"MQTT_CA_CERT_FILE" description:"CA certificate for client certificates"`
	MQTTCAKeyFile  string `env:"MQTT_CA_KEY_FILE" description:"PKCS8 key of the CA, enables issuing client certificates via the management API"`
	MQTTCertFile   string `env:"MQTT_CERT_FILE" description:"server certificate"`
	MQTTKeyFile    string `env:"MQTT_KEY_FILE" description:"server key"`

	MaxTTD          int           `env:"MAX_TTD,default=60" description:"maximum time till disconnect in seconds for tenants without one"`
	VolumePeriod    time.Duration `env:"VOLUME_PERIOD,default=720h" description:"the period data volume limits apply to"`
	CommandTTL      time.Duration `env:"COMMAND_TTL,default=10m" description:"how long a command waits for its device"`
	MaxPending      int           `env:"MAX_PENDING_COMMANDS,default=10" description:"commands buffered per device"`
	StrictOrdering  bool          `env:"STRICT_ORDERING,default=false" description:"send all telemetry synchronously"`
	JWTSecret       string        `env:"JWT_SECRET,required" description:"HS256 secret of management tokens"`
	JWTIssuer       string        `env:"JWT_ISSUER" description:"accepted issuer of management tokens"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" description:"grace period for open requests"`
}

// feedbackSender lets the command router send through a downstream sender
// which is created after the router
type feedbackSender struct {
	sender iot.Sender
}

func (f *feedbackSender) Send(ctx context.Context, msg *iot.Message, waitForOutcome bool) error {
	return f.sender.Send(ctx, msg, waitForOutcome)
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := service.store(ctx)
	defer closeStore()

	var volume gate.VolumeLimiter
	if service.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: service.RedisAddress})
		defer client.Close()
		volume = gate.NewRedisVolume(client, service.VolumePeriod)
	} else {
		volume = gate.NewMemoryVolume(service.VolumePeriod, clock.Real{})
	}
	tenantGate := gate.New(&gate.Builder{Store: store, Volume: volume, MaxTTD: service.MaxTTD})

	bridgeMetrics := metrics.New(&metrics.Builder{Adapter: "http"})

	feedback := &feedbackSender{}
	router := commands.New(&commands.Builder{
		TTL:        service.CommandTTL,
		MaxPending: service.MaxPending,
		Feedback:   feedback,
		Metrics:    bridgeMetrics,
	})
	defer router.Close()

	var broker *mqtt.Broker
	if service.MQTTAddress != "" {
		broker = mqtt.NewBroker(&mqtt.Builder{
			Address:    service.MQTTAddress,
			Router:     router,
			CACertFile: service.MQTTCACertFile,
			CertFile:   service.MQTTCertFile,
			KeyFile:    service.MQTTKeyFile,
		})
	}
	brokers := splitList(service.KafkaBrokers)

	switch service.Downstream {
	case "kafka":
		sender := kafka.NewSender(&kafka.Builder{Brokers: brokers})
		defer sender.Close()
		feedback.sender = sender
	case "sqs":
		sender, err := sqs.NewSender(ctx, &sqs.Builder{
			QueueURL:  service.SQSQueueURL,
			Region:    service.AWSRegion,
			AccessID:  service.AWSAccessID,
			AccessKey: service.AWSAccessKey,
			Bucket:    service.S3Bucket,
		})
		if err != nil {
			panic(err)
		}
		feedback.sender = sender
	case "mqtt":
		if broker == nil {
			panic("DOWNSTREAM=mqtt requires MQTT_ADDRESS")
		}
		feedback.sender = broker
	default:
		panic("unknown DOWNSTREAM " + service.Downstream)
	}

	adapter := iot.New(&iot.Builder{
		Gate:           tenantGate,
		Sender:         feedback.sender,
		Commands:       router,
		Metrics:        bridgeMetrics,
		Clock:          clock.Real{},
		StrictOrdering: service.StrictOrdering,
	})

	devices := httpadapter.NewServer(&httpadapter.Builder{
		Uploader:      adapter,
		Authenticator: tenantGate,
	})

	var authority *credentials.Authority
	if service.MQTTCACertFile != "" && service.MQTTCAKeyFile != "" {
		var err error
		authority, err = credentials.NewAuthorityFromFiles(service.MQTTCACertFile, service.MQTTCAKeyFile)
		if err != nil {
			panic(err)
		}
	}

	managementRouter := mux.NewRouter()
	managementRouter.Handle("/metrics", promhttp.Handler())
	api := management.NewAPI(&management.Builder{
		Store:     store,
		Router:    managementRouter,
		JWTSecret: []byte(service.JWTSecret),
		Issuer:    service.JWTIssuer,
		Authority: authority,
	})

	g, gctx := errgroup.WithContext(ctx)
	if broker != nil {
		g.Go(func() error {
			broker.Run(gctx)
			return nil
		})
	}
	if len(brokers) > 0 {
		source := kafka.NewCommandSource(&kafka.SourceBuilder{
			Brokers: brokers,
			Topic:   service.KafkaCommandTopic,
			GroupID: service.KafkaGroupID,
			Router:  router,
		})
		defer source.Close()
		g.Go(func() error {
			return source.Run(gctx)
		})
	}
	g.Go(func() error {
		router.Run(gctx, time.Minute)
		return nil
	})
	serve(gctx, g, &http.Server{Addr: service.HTTPAddress, Handler: devices.Handler()}, service.ShutdownTimeout)
	serve(gctx, g, &http.Server{Addr: service.ManagementAddress, Handler: api.Handler()}, service.ShutdownTimeout)

	rlog.Infoln("device api listens on", service.HTTPAddress, "management on", service.ManagementAddress)
	if err := g.Wait(); err != nil {
		rlog.WithError(err).Error("bridge stopped")
		os.Exit(1)
	}
	rlog.Infoln("bridge stopped")
}

// store returns the registry in postgres, or a memory store if no database is configured
func (s *Service) store(ctx context.Context) (gate.Store, func()) {
	if s.Postgres == "" {
		logger.Default().Warnln("no POSTGRES configured, tenants and devices are not persisted")
		return gate.NewMemoryStore(), func() {}
	}
	db, err := csql.OpenWithSchema(ctx, s.Postgres, s.PostgresSchema)
	if err != nil {
		panic(err)
	}
	r, err := registry.New(ctx, db)
	if err != nil {
		panic(err)
	}
	return gate.NewRegistryStore(r), func() { db.Close() }
}

// serve runs the server until the context is done, then shuts it down gracefully
func serve(ctx context.Context, g *errgroup.Group, server *http.Server, timeout time.Duration) {
	g.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func splitList(value string) []string {
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
