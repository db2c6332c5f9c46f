// Package test holds integration tests which run the bridge against kafka and
// postgres in containers. They are skipped unless INTEGRATION is set.
package test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/relabs-tech/bridge/core/clock"
	"github.com/relabs-tech/bridge/core/csql"
	"github.com/relabs-tech/bridge/core/registry"
	"github.com/relabs-tech/bridge/iot"
	"github.com/relabs-tech/bridge/iot/commands"
	"github.com/relabs-tech/bridge/iot/gate"
	"github.com/relabs-tech/bridge/iot/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const commandTopic = "bridge.command"

// IntegrationTestSuite runs a bridge with kafka sender, kafka command source
// and a postgres registry
type IntegrationTestSuite struct {
	suite.Suite
	network            testcontainers.Network
	zookeeperContainer testcontainers.Container
	kafkaContainer     testcontainers.Container
	postgresContainer  testcontainers.Container
	kafkaConn          *kafkago.Conn
	kafkaAddr          string

	db      *csql.DB
	store   gate.Store
	router  *commands.Router
	sender  *kafka.Sender
	source  *kafka.CommandSource
	adapter *iot.Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	if os.Getenv("INTEGRATION") == "" {
		s.T().Skip("INTEGRATION is not set")
	}
	ctx := context.Background()

	networkName := fmt.Sprintf("bridge-test-network_%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.zookeeperContainer = zooC

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "EXTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafkago.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	topics := kafka.DefaultTopics()
	for _, topic := range []string{topics.Telemetry, topics.Event, topics.CommandResponse, commandTopic} {
		s.Require().NoError(s.createTopic(topic, 1))
	}

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", pgHost, pgPort.Port())
	s.db, err = csql.OpenWithSchema(ctx, dsn, "bridge")
	s.Require().NoError(err)
	r, err := registry.New(ctx, s.db)
	s.Require().NoError(err)
	s.store = gate.NewRegistryStore(r)

	s.sender = kafka.NewSender(&kafka.Builder{Brokers: []string{s.kafkaAddr}})
	s.router = commands.New(&commands.Builder{Feedback: s.sender})
	s.source = kafka.NewCommandSource(&kafka.SourceBuilder{
		Brokers: []string{s.kafkaAddr},
		Topic:   commandTopic,
		GroupID: "bridge-integration-test",
		Router:  s.router,
	})
	s.adapter = iot.New(&iot.Builder{
		Gate:     gate.New(&gate.Builder{Store: s.store, Volume: gate.NewMemoryVolume(time.Hour, clock.Real{})}),
		Sender:   s.sender,
		Commands: s.router,
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.source.Run(runCtx); err != nil {
			s.T().Errorf("command source failed: %v", err)
		}
	}()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.source != nil {
		s.source.Close()
	}
	if s.router != nil {
		s.router.Close()
	}
	if s.sender != nil {
		s.sender.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeperContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}

// sendCommand produces a command for a device on the command topic
func (s *IntegrationTestSuite) sendCommand(ctx context.Context, tenantID, deviceID, name, requestID string, payload []byte) {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(s.kafkaAddr),
		Topic:        commandTopic,
		RequiredAcks: kafkago.RequireAll,
	}
	defer w.Close()
	err := w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(tenantID + "/" + deviceID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: kafka.HeaderTenantID, Value: []byte(tenantID)},
			{Key: kafka.HeaderDeviceID, Value: []byte(deviceID)},
			{Key: kafka.HeaderSubject, Value: []byte(name)},
			{Key: kafka.HeaderCorrelationID, Value: []byte(requestID)},
			{Key: kafka.HeaderResponseRequired, Value: []byte("true")},
			{Key: kafka.HeaderContentType, Value: []byte("application/json")},
		},
	})
	s.Require().NoError(err)
}

// reader returns a reader for a downstream topic, starting at the first offset
func (s *IntegrationTestSuite) reader(topic string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     topic,
		Partition: 0,
		MaxWait:   100 * time.Millisecond,
	})
}
