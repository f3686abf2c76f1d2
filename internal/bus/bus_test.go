package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"meshbridge/internal/config"
	"meshbridge/internal/logger"
	"meshbridge/internal/mesh"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeClient struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	subscribes  int
	topics      []string
	handler     mqtt.MessageHandler
	disconnects int
}

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return &fakeToken{err: err}
	}
	return &fakeToken{}
}

func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.topics = append(f.topics, topic)
	f.handler = cb
	return &fakeToken{}
}

func (f *fakeClient) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeClient) counts() (connects, subscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.subscribes
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func busConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:    "broker.local",
		Port:      1883,
		RootTopic: "msh/MY_919/2/e/",
		Channel:   "LongFast",
	}
}

func testConnection() (*Connection, *fakeClient) {
	c := newConnection(busConfig(), logger.NopLogger())
	fc := &fakeClient{}
	c.client = fc
	return c, fc
}

func validEnvelope(from uint32, id uint64) []byte {
	var pkt []byte
	pkt = protowire.AppendTag(pkt, 1, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(from))
	pkt = protowire.AppendTag(pkt, 2, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(mesh.Broadcast))
	pkt = protowire.AppendTag(pkt, 6, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, id)
	pkt = protowire.AppendTag(pkt, 5, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, []byte{0xAA})

	var env []byte
	env = protowire.AppendTag(env, 1, protowire.BytesType)
	env = protowire.AppendBytes(env, pkt)
	return env
}

func waitForState(t *testing.T, c *Connection, want ConnState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for state %s", want)
}

func TestRun_ConnectsAndSubscribes(t *testing.T) {
	c, fc := testConnection()
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	waitForState(t, c, StateConnected)
	connects, subscribes := fc.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, subscribes)
	assert.Equal(t, []string{"msh/MY_919/2/e/LongFast/#"}, fc.topics)

	cancel()
	err := <-runDone
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateShuttingDown, c.State())
}

func TestRun_ResubscribesAfterConnectionLoss(t *testing.T) {
	c, fc := testConnection()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitForState(t, c, StateConnected)
	c.onConnectionLost(errors.New("broker went away"))

	require.Eventually(t, func() bool {
		_, subscribes := fc.counts()
		return subscribes == 2 && c.State() == StateConnected
	}, 3*time.Second, 5*time.Millisecond, "expected a fresh subscription after reconnect")
}

func TestRun_RetriesFailedConnect(t *testing.T) {
	c, fc := testConnection()
	fc.connectErrs = []error{errors.New("connection refused")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitForState(t, c, StateConnected)
	connects, subscribes := fc.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, subscribes)
}

func TestOnMessage_DeliversDecodedPacket(t *testing.T) {
	c, _ := testConnection()

	c.onMessage(nil, &fakeMessage{topic: "msh/MY_919/2/e/LongFast/!deadbeef", payload: validEnvelope(0xDEADBEEF, 321)})

	select {
	case pkt := <-c.Packets():
		assert.Equal(t, uint32(0xDEADBEEF), pkt.From)
		assert.Equal(t, uint64(321), pkt.PacketID)
		assert.Equal(t, mesh.Broadcast, pkt.To)
	case <-time.After(time.Second):
		t.Fatal("packet was not delivered")
	}
}

func TestOnMessage_DropsUndecodableEnvelope(t *testing.T) {
	c, _ := testConnection()

	c.onMessage(nil, &fakeMessage{topic: "x", payload: []byte{0xFF, 0xFF}})

	select {
	case pkt := <-c.Packets():
		t.Fatalf("unexpected delivery: %+v", pkt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnMessage_DoesNotBlockAfterClose(t *testing.T) {
	c, _ := testConnection()
	require.NoError(t, c.Close())

	done := make(chan struct{})
	go func() {
		// Fill past the buffer; the done channel must unblock the handler.
		for i := 0; i < cap(c.packets)+10; i++ {
			c.onMessage(nil, &fakeMessage{payload: validEnvelope(1, uint64(i+1))})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked on a full channel after shutdown")
	}
}

func TestOnConnectionLost_IgnoredDuringShutdown(t *testing.T) {
	c, _ := testConnection()
	require.NoError(t, c.Close())

	c.onConnectionLost(errors.New("late notification"))

	select {
	case <-c.lost:
		t.Fatal("loss signal must be suppressed during shutdown")
	default:
	}
}

func TestTopic_TrailingSlashNormalized(t *testing.T) {
	cfg := busConfig()
	cfg.RootTopic = "msh/EU_868/2/e"
	c := newConnection(cfg, logger.NopLogger())
	assert.Equal(t, "msh/EU_868/2/e/LongFast/#", c.topic())
}

func TestClose_Idempotent(t *testing.T) {
	c, fc := testConnection()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, fc.disconnects)
}
