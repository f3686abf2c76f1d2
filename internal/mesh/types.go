package mesh

import (
	"fmt"
	"time"
)

// Broadcast is the node address used for channel-wide messages. Only
// broadcast traffic carries the channel-key encrypted payloads the bridge
// can decrypt.
const Broadcast uint32 = 0xFFFFFFFF

// RawPacket is one unit of mesh traffic as delivered by the bus, after the
// outer envelope has been stripped. Immutable once produced.
type RawPacket struct {
	From       uint32
	To         uint32
	Channel    string
	PacketID   uint64
	Payload    []byte
	ReceivedAt time.Time
}

// NodeID renders a node number in the conventional "!hex" form.
func NodeID(n uint32) string {
	if n == 0 {
		return "!unknown"
	}
	return fmt.Sprintf("!%x", n)
}

// AppMessage is the decoded payload variant. The set is sealed: TextMessage,
// OtherTelemetry and Malformed are the only implementations, so consumers
// can switch exhaustively.
type AppMessage interface {
	appMessage()
}

type TextMessage struct {
	Text     string
	From     uint32
	To       uint32
	PacketID uint64
}

type OtherTelemetry struct {
	Port uint32
}

type Malformed struct {
	Reason string
}

func (TextMessage) appMessage()    {}
func (OtherTelemetry) appMessage() {}
func (Malformed) appMessage()      {}
