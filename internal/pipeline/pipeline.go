package pipeline

import (
	"context"
	"errors"

	"meshbridge/internal/logger"
	"meshbridge/internal/mesh"
	"meshbridge/internal/pager"
	"meshbridge/internal/store"
	apperrors "meshbridge/pkg/errors"
	"meshbridge/pkg/metrics"
)

// Store is the slice of the dedupe store the pipeline needs.
type Store interface {
	RecordPending(ctx context.Context, packetID uint64, fromNode uint32, text string) error
	MarkOutcome(ctx context.Context, packetID uint64, status store.Status) error
}

// Pipeline wires a received packet through decrypt, decode, dedupe and
// forward. Every stage failure is handled locally; no single packet can
// terminate the loop.
type Pipeline struct {
	key     []byte
	decoder *mesh.Decoder
	store   Store
	sender  pager.Sender
	packets <-chan mesh.RawPacket
	log     logger.Logger
}

func New(key []byte, decoder *mesh.Decoder, st Store, sender pager.Sender, packets <-chan mesh.RawPacket, log logger.Logger) *Pipeline {
	return &Pipeline{
		key:     key,
		decoder: decoder,
		store:   st,
		sender:  sender,
		packets: packets,
		log:     log,
	}
}

// Run consumes packets until ctx is cancelled. The in-flight packet is
// allowed to finish; retry sleeps inside the stages abort with ctx.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-p.packets:
			if !ok {
				return nil
			}
			p.handle(ctx, pkt)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, pkt mesh.RawPacket) {
	metrics.PacketsReceivedTotal.Inc()

	if pkt.To != mesh.Broadcast {
		p.log.Debugw("Ignoring directed packet",
			"from", mesh.NodeID(pkt.From),
			"to", mesh.NodeID(pkt.To),
		)
		metrics.IncPacketDropped("not_broadcast")
		return
	}
	if len(pkt.Payload) == 0 {
		p.log.Debugw("Ignoring packet without encrypted payload", "packet_id", pkt.PacketID)
		metrics.IncPacketDropped("no_payload")
		return
	}

	plain, err := mesh.Decrypt(p.key, pkt.PacketID, pkt.From, pkt.Payload)
	if err != nil {
		p.log.Warnw("Dropping packet, decryption failed",
			"packet_id", pkt.PacketID,
			"from", mesh.NodeID(pkt.From),
			"error", err,
		)
		metrics.IncPacketDropped("decrypt")
		return
	}

	switch m := p.decoder.Decode(plain, pkt).(type) {
	case mesh.TextMessage:
		p.forwardText(ctx, m)
	case mesh.OtherTelemetry:
		p.log.Debugw("Ignoring non-text payload",
			"port", m.Port,
			"from", mesh.NodeID(pkt.From),
		)
		metrics.IncPacketDropped("telemetry")
	case mesh.Malformed:
		p.log.Warnw("Dropping malformed payload",
			"reason", m.Reason,
			"packet_id", pkt.PacketID,
			"from", mesh.NodeID(pkt.From),
		)
		metrics.IncPacketDropped("malformed")
	}
}

func (p *Pipeline) forwardText(ctx context.Context, msg mesh.TextMessage) {
	err := p.store.RecordPending(ctx, msg.PacketID, msg.From, msg.Text)
	if errors.Is(err, store.ErrAlreadyExists) {
		p.log.Debugw("Duplicate packet, already processed", "packet_id", msg.PacketID)
		metrics.DuplicatePacketsTotal.Inc()
		return
	}
	if err != nil {
		// Not recorded, so the message is safe to reprocess if the bus
		// re-delivers it.
		p.log.Warnw("Store unavailable, dropping message for this cycle",
			"packet_id", msg.PacketID,
			"error", err,
		)
		metrics.IncPacketDropped("store")
		return
	}

	p.log.Infow("Forwarding text message",
		"packet_id", msg.PacketID,
		"from", mesh.NodeID(msg.From),
		"text_len", len(msg.Text),
	)

	if err := p.sender.Forward(ctx, msg); err != nil {
		if apperrors.IsAuth(err) {
			p.log.Errorw("Gateway rejected credentials, message not delivered",
				"packet_id", msg.PacketID,
			)
		} else {
			p.log.Errorw("Gateway delivery failed",
				"packet_id", msg.PacketID,
				"error", err,
			)
		}
		if mErr := p.store.MarkOutcome(ctx, msg.PacketID, store.StatusFailed); mErr != nil {
			p.log.Warnw("Failed to record delivery outcome", "packet_id", msg.PacketID, "error", mErr)
		}
		return
	}

	if mErr := p.store.MarkOutcome(ctx, msg.PacketID, store.StatusDelivered); mErr != nil {
		p.log.Warnw("Failed to record delivery outcome", "packet_id", msg.PacketID, "error", mErr)
	}
	p.log.Infow("Message delivered to pager gateway",
		"packet_id", msg.PacketID,
		"from", mesh.NodeID(msg.From),
	)
}
