package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/iot"
	"github.com/relabs-tech/bridge/iot/commands"
	"github.com/sirupsen/logrus"
)

// ErrNotRunning is returned by Send before the broker runs
var ErrNotRunning = errors.New("mqtt broker is not running")

// Router receives the commands applications publish
type Router interface {
	Route(ctx context.Context, cmd *iot.Command, settle commands.SettleFunc)
}

// Broker is the MQTT broker for back-end applications. It implements iot.Sender.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Address is the listen address, default ":1883", or ":8883" with TLS
	Address string
	// Router receives commands. This is mandatory.
	Router Router
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// TLS with client certificates is used if CACertFile, CertFile and KeyFile are set.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file
	CertFile string
	// KeyFile is the file path to the X.509 private key file
	KeyFile string
	// Listener replaces the listener created from Address
	Listener net.Listener
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln     net.Listener
	router Router

	commonNamesRwmux sync.RWMutex
	commonNames      map[net.Conn]string

	mu      sync.RWMutex
	publish func(topic string, payload []byte)
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Router == nil {
		panic("Router is missing")
	}
	ln := bb.Listener
	if ln == nil {
		var err error
		ln, err = listen(bb)
		if err != nil {
			panic(err)
		}
	}
	return &Broker{
		p: &plugin{
			ln:          ln,
			router:      bb.Router,
			commonNames: make(map[net.Conn]string),
		},
	}
}

func listen(bb *Builder) (net.Listener, error) {
	useTLS := bb.CACertFile != "" && bb.CertFile != "" && bb.KeyFile != ""
	address := bb.Address
	if address == "" {
		address = ":1883"
		if useTLS {
			address = ":8883"
		}
	}
	if !useTLS {
		logger.Default().Warnln("mqtt broker listens without TLS on", address)
		return net.Listen("tcp", address)
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		return nil, err
	}
	caCert, err := os.ReadFile(bb.CACertFile)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates in %s", bb.CACertFile)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	return tls.Listen("tcp", address, tlsConfig)
}

// Run runs the server until the context is done, then shuts it down gracefully.
func (b *Broker) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt broker started on", b.p.ln.Addr())
	<-ctx.Done()
	s.Stop(context.Background())
	logger.Default().Infoln("mqtt broker stopped")
}

// Send implements iot.Sender. Messages are published with QoS 1.
func (b *Broker) Send(ctx context.Context, msg *iot.Message, waitForOutcome bool) error {
	return b.p.send(ctx, msg)
}

func (p *plugin) send(ctx context.Context, msg *iot.Message) error {
	p.mu.RLock()
	publish := p.publish
	p.mu.RUnlock()
	if publish == nil {
		return ErrNotRunning
	}
	payload, err := encodeDownstream(msg)
	if err != nil {
		return err
	}
	topic := downstreamTopic(msg)
	logger.FromContext(ctx).WithField("topic", topic).Tracef("publish %d bytes", len(payload))
	publish(topic, payload)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish = func(topic string, payload []byte) {
		service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
	}
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish = nil
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "bridge broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) commonNameFromConnection(conn net.Conn) (string, bool) {
	p.commonNamesRwmux.RLock()
	defer p.commonNamesRwmux.RUnlock()
	commonName, ok := p.commonNames[conn]
	return commonName, ok
}

// OnAcceptWrapper remembers the common name of TLS client certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
				return false
			}
			commonName := state.VerifiedChains[0][0].Subject.CommonName
			p.commonNamesRwmux.Lock()
			p.commonNames[conn] = commonName
			p.commonNamesRwmux.Unlock()
			logger.Default().Debugln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		if commonName, ok := p.commonNameFromConnection(client.Connection()); ok && commonName != clientID {
			logger.Default().Warnln("connect denied,", clientID, "not authorized")
			return packets.CodeNotAuthorized
		}
		logger.Default().Debugln("connect", clientID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper consumes commands. Applications may only publish commands
// for their own tenant. No message published by an application is forwarded to
// subscribers.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		p.handleCommand(ctx, client.OptionsReader().ClientID(), msg.Topic(), msg.Payload())
		return false
	}
}

func (p *plugin) handleCommand(ctx context.Context, clientID, topic string, body []byte) {
	rlog := logger.Default().WithFields(logrus.Fields{"client_id": clientID, "topic": topic})
	tenantID, deviceID, ok := parseCommandTopic(topic)
	if !ok {
		rlog.Debug("publish denied, not a command topic")
		return
	}
	if tenantID != clientID {
		rlog.Warn("publish denied, foreign tenant")
		return
	}
	cmd, err := decodeCommand(tenantID, deviceID, body)
	if err != nil {
		rlog.WithError(err).Info("invalid command")
		return
	}
	ctx, _ = logger.ContextWithDevice(context.WithoutCancel(ctx), tenantID, deviceID)
	p.router.Route(ctx, cmd, func(d commands.Disposition, cause error) {
		rlog.WithField("disposition", d.String()).Debug("command settled")
	})
}

// OnSubscribeWrapper enforces topic policy: applications subscribe to the
// downstream topics of their own tenant only.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if !maySubscribe(clientID, topic.Name) {
			logger.Default().Infoln("OnSubscribe", clientID, topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

func maySubscribe(tenantID, topic string) bool {
	for _, endpoint := range []iot.Endpoint{iot.EndpointTelemetry, iot.EndpointEvent, iot.EndpointCommandResponse} {
		prefix := string(endpoint) + "/" + tenantID
		if topic == prefix+"/#" || (strings.HasPrefix(topic, prefix+"/") && !strings.Contains(strings.TrimPrefix(topic, prefix+"/"), "/")) {
			return true
		}
	}
	return false
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().Debugln("OnSubscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}
