package mesh

import (
	"math/rand"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func encodeData(port uint64, payload []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, dataFieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, port)
	b = protowire.AppendTag(b, dataFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

func encodeEnvelope(from, to uint32, id uint64, encrypted []byte, channelID string) []byte {
	var pkt []byte
	pkt = protowire.AppendTag(pkt, pktFieldFrom, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(from))
	pkt = protowire.AppendTag(pkt, pktFieldTo, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(to))
	pkt = protowire.AppendTag(pkt, pktFieldID, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, id)
	pkt = protowire.AppendTag(pkt, pktFieldEncrypted, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, encrypted)

	var env []byte
	env = protowire.AppendTag(env, envFieldPacket, protowire.BytesType)
	env = protowire.AppendBytes(env, pkt)
	env = protowire.AppendTag(env, envFieldChannelID, protowire.BytesType)
	env = protowire.AppendBytes(env, []byte(channelID))
	return env
}

func TestDecodeEnvelope(t *testing.T) {
	now := time.Now()
	raw := encodeEnvelope(0xA1B2C3D4, Broadcast, 9001, []byte{1, 2, 3}, "LongFast")

	pkt, err := DecodeEnvelope(raw, now)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xA1B2C3D4), pkt.From)
	assert.Equal(t, Broadcast, pkt.To)
	assert.Equal(t, uint64(9001), pkt.PacketID)
	assert.Equal(t, []byte{1, 2, 3}, pkt.Payload)
	assert.Equal(t, "LongFast", pkt.Channel)
	assert.Equal(t, now, pkt.ReceivedAt)
}

func TestDecodeEnvelope_Fixed32Identity(t *testing.T) {
	// Some firmware encodes node ids and packet id as fixed32.
	var pkt []byte
	pkt = protowire.AppendTag(pkt, pktFieldFrom, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, 0x01020304)
	pkt = protowire.AppendTag(pkt, pktFieldID, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, 77)

	var env []byte
	env = protowire.AppendTag(env, envFieldPacket, protowire.BytesType)
	env = protowire.AppendBytes(env, pkt)

	decoded, err := DecodeEnvelope(env, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), decoded.From)
	assert.Equal(t, uint64(77), decoded.PacketID)
}

func TestDecodeEnvelope_MissingPacket(t *testing.T) {
	var env []byte
	env = protowire.AppendTag(env, envFieldChannelID, protowire.BytesType)
	env = protowire.AppendBytes(env, []byte("LongFast"))

	_, err := DecodeEnvelope(env, time.Now())
	require.Error(t, err)
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xFF, 0xFF, 0xFF}, time.Now())
	require.Error(t, err)
}

func TestDecodeEnvelope_GarbageNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 1000; i++ {
		buf := make([]byte, rng.Intn(256))
		rng.Read(buf)
		// Must classify or reject, never panic.
		_, _ = DecodeEnvelope(buf, time.Now())
	}
}

func TestDecode_TextMessage(t *testing.T) {
	d := NewDecoder(512)
	pkt := RawPacket{From: 42, To: Broadcast, PacketID: 1000}

	msg := d.Decode(encodeData(uint64(PortTextMessage), []byte("hello mesh")), pkt)
	text, ok := msg.(TextMessage)
	require.True(t, ok, "expected TextMessage, got %T", msg)
	assert.Equal(t, "hello mesh", text.Text)
	assert.Equal(t, uint32(42), text.From)
	assert.Equal(t, Broadcast, text.To)
	assert.Equal(t, uint64(1000), text.PacketID)
}

func TestDecode_OtherTelemetry(t *testing.T) {
	d := NewDecoder(512)

	msg := d.Decode(encodeData(uint64(PortTelemetry), []byte{0xDE, 0xAD}), RawPacket{})
	tele, ok := msg.(OtherTelemetry)
	require.True(t, ok, "expected OtherTelemetry, got %T", msg)
	assert.Equal(t, PortTelemetry, tele.Port)
}

func TestDecode_InvalidUTF8(t *testing.T) {
	d := NewDecoder(512)

	msg := d.Decode(encodeData(uint64(PortTextMessage), []byte{0xFF, 0xFE, 0x80}), RawPacket{})
	_, ok := msg.(Malformed)
	assert.True(t, ok, "expected Malformed, got %T", msg)
}

func TestDecode_TruncatesLongText(t *testing.T) {
	d := NewDecoder(16)
	long := strings.Repeat("a", 100) + "é" // multibyte tail

	msg := d.Decode(encodeData(uint64(PortTextMessage), []byte(long)), RawPacket{})
	text, ok := msg.(TextMessage)
	require.True(t, ok)
	assert.LessOrEqual(t, len(text.Text), 16)
	assert.True(t, utf8.ValidString(text.Text))
}

func TestDecode_TruncationKeepsRuneBoundary(t *testing.T) {
	d := NewDecoder(5)
	// 2 runes x 3 bytes: the 5 byte cut falls mid-rune and must back off.
	msg := d.Decode(encodeData(uint64(PortTextMessage), []byte("日本")), RawPacket{})
	text, ok := msg.(TextMessage)
	require.True(t, ok)
	assert.Equal(t, "日", text.Text)
}

func TestDecode_GarbageNeverPanics(t *testing.T) {
	d := NewDecoder(512)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		buf := make([]byte, rng.Intn(256))
		rng.Read(buf)

		msg := d.Decode(buf, RawPacket{})
		switch m := msg.(type) {
		case TextMessage:
			assert.LessOrEqual(t, len(m.Text), 512)
			assert.True(t, utf8.ValidString(m.Text))
		case OtherTelemetry, Malformed:
			// acceptable classifications for random input
		default:
			t.Fatalf("unexpected variant %T", msg)
		}
	}
}

func TestDecryptThenDecode_RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	pkt := RawPacket{From: 7, To: Broadcast, PacketID: 555}
	plain := encodeData(uint64(PortTextMessage), []byte("meet on 145.500"))

	encrypted, err := Decrypt(key, pkt.PacketID, pkt.From, plain)
	require.NoError(t, err)
	pkt.Payload = encrypted

	decrypted, err := Decrypt(key, pkt.PacketID, pkt.From, pkt.Payload)
	require.NoError(t, err)

	msg := NewDecoder(512).Decode(decrypted, pkt)
	text, ok := msg.(TextMessage)
	require.True(t, ok, "expected TextMessage, got %T", msg)
	assert.Equal(t, "meet on 145.500", text.Text)
}

func TestNodeID(t *testing.T) {
	assert.Equal(t, "!a1b2c3d4", NodeID(0xA1B2C3D4))
	assert.Equal(t, "!unknown", NodeID(0))
}
