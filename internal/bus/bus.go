package bus

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"meshbridge/internal/config"
	"meshbridge/internal/constants"
	"meshbridge/internal/logger"
	"meshbridge/internal/mesh"
	apperrors "meshbridge/pkg/errors"
	"meshbridge/pkg/metrics"
	"meshbridge/pkg/retry"
)

// client is the slice of the paho API the connection uses. Narrowed so tests
// can drive the state machine without a broker.
type client interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Connection manages the bus subscription lifecycle: connect, subscribe,
// deliver, detect disconnects and reconnect with backoff. Delivery order is
// preserved: paho invokes the message handler sequentially per subscription
// and the handler only converts and enqueues.
type Connection struct {
	cfg    config.MQTTConfig
	log    logger.Logger
	client client

	packets   chan mesh.RawPacket
	lost      chan struct{}
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
}

func New(cfg config.MQTTConfig, log logger.Logger) *Connection {
	c := newConnection(cfg, log)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(fmt.Sprintf("meshbridge-%d", os.Getpid())).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetCleanSession(true).
		// Reconnects run through our own backoff loop so re-subscription
		// always happens before delivery resumes.
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.onConnectionLost(err)
		})

	c.client = mqtt.NewClient(opts)
	return c
}

func newConnection(cfg config.MQTTConfig, log logger.Logger) *Connection {
	return &Connection{
		cfg:     cfg,
		log:     log,
		packets: make(chan mesh.RawPacket, constants.PacketBufferSize),
		lost:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Packets is the delivery channel drained by the pipeline.
func (c *Connection) Packets() <-chan mesh.RawPacket {
	return c.packets
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old != s {
		c.log.Infow("Bus connection state changed", "from", old.String(), "to", s.String())
	}
	metrics.SetBusConnected(s == StateConnected)
}

// Run drives the connection until ctx is cancelled. It only returns the
// context's error: transient broker outages are retried indefinitely with a
// capped backoff, because this is a long-running service.
func (c *Connection) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.shutdown()
			return err
		}

		if err := c.connect(ctx); err != nil {
			c.shutdown()
			return err
		}
		c.setState(StateConnected)

		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.lost:
			c.setState(StateReconnecting)
			metrics.BusReconnectsTotal.Inc()
		}
	}
}

// connect attempts to establish the session and re-subscribe, retrying
// until it succeeds or ctx is cancelled.
func (c *Connection) connect(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts:     0, // unbounded
		InitialInterval: constants.ReconnectInitialInterval,
		MaxInterval:     constants.ReconnectMaxInterval,
		Multiplier:      2.0,
	}

	return retry.DoWithCallback(ctx, policy, func() error {
		c.setState(StateConnecting)

		token := c.client.Connect()
		if !token.WaitTimeout(constants.ConnectTimeout) {
			return apperrors.ErrConnection.WithMessage("connect timed out")
		}
		if err := token.Error(); err != nil {
			return apperrors.ErrConnection.WithCause(err)
		}

		topic := c.topic()
		sub := c.client.Subscribe(topic, 0, c.onMessage)
		if !sub.WaitTimeout(constants.ConnectTimeout) {
			c.client.Disconnect(constants.DisconnectQuiesceMillis)
			return apperrors.ErrConnection.WithMessage("subscribe timed out")
		}
		if err := sub.Error(); err != nil {
			c.client.Disconnect(constants.DisconnectQuiesceMillis)
			return apperrors.ErrConnection.WithMessage("subscribe failed").WithCause(err)
		}

		c.log.Infow("Subscribed to bus topic", "topic", topic, "broker", c.cfg.Broker)
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		c.log.Warnw("Bus connection attempt failed",
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
		if attempt%10 == 0 {
			c.log.Errorw("Bus connection failing repeatedly, service degraded",
				"attempts", attempt,
				"broker", c.cfg.Broker,
			)
		}
	})
}

func (c *Connection) topic() string {
	root := strings.TrimSuffix(c.cfg.RootTopic, "/")
	return root + "/" + c.cfg.Channel + "/#"
}

// onMessage converts a bus message into a RawPacket and enqueues it. It runs
// on paho's delivery goroutine; keep it cheap and never let it panic.
func (c *Connection) onMessage(_ mqtt.Client, m mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("Panic in bus delivery handler", "error", apperrors.RecoverPanic(r))
		}
	}()

	pkt, err := mesh.DecodeEnvelope(m.Payload(), time.Now())
	if err != nil {
		c.log.Warnw("Dropping undecodable envelope",
			"topic", m.Topic(),
			"payload_len", len(m.Payload()),
			"error", err,
		)
		metrics.IncPacketDropped("envelope")
		return
	}

	select {
	case c.packets <- pkt:
	case <-c.done:
	}
}

func (c *Connection) onConnectionLost(err error) {
	if c.State() == StateShuttingDown {
		return
	}
	c.log.Warnw("Bus connection lost", "error", err)
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

func (c *Connection) shutdown() {
	c.setState(StateShuttingDown)
	c.closeOnce.Do(func() {
		close(c.done)
		if c.client != nil {
			c.client.Disconnect(constants.DisconnectQuiesceMillis)
		}
	})
}

// Close tears the connection down outside of Run, for error paths during
// startup. Safe to call twice.
func (c *Connection) Close() error {
	c.shutdown()
	return nil
}
