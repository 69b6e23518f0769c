package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

const (
	// Frame kinds
	KindPacket       = 0x01
	KindConfirmation = 0x02
)

var (
	ErrFrameTooShort = errors.New("packet: frame too short")
	ErrUnknownKind   = errors.New("packet: unknown frame kind")
)

type packetWire struct {
	SourceHash  uint64   `msgpack:"source_hash"`
	Sequence    uint64   `msgpack:"sequence"`
	Source      []byte   `msgpack:"source"`
	Destination []byte   `msgpack:"destination"`
	Payload     []byte   `msgpack:"payload"`
	Encrypted   bool     `msgpack:"encrypted"`
	Hints       [][]byte `msgpack:"hints,omitempty"`
	CreatedAt   int64    `msgpack:"created_at"`
	TTL         uint8    `msgpack:"ttl"`
	Visited     []uint64 `msgpack:"visited"`
	Priority    uint8    `msgpack:"priority"`
	Correlation []byte   `msgpack:"correlation,omitempty"`
}

type confirmWire struct {
	SourceHash  uint64   `msgpack:"source_hash"`
	Sequence    uint64   `msgpack:"sequence"`
	DeliveredTo []byte   `msgpack:"delivered_to"`
	DeliveredAt int64    `msgpack:"delivered_at"`
	Path        [][]byte `msgpack:"path"`
}

// Frame is one decoded transport payload: either a packet or a delivery
// confirmation, discriminated by Kind.
type Frame[I identity.Peer] struct {
	Kind         byte
	Packet       *Packet[I]
	Confirmation *Confirmation[I]
}

// MarshalPacket encodes a packet as a kind byte followed by a msgpack body.
func MarshalPacket[I identity.Peer](p *Packet[I]) ([]byte, error) {
	hints := make([][]byte, len(p.RoutingHints))
	for i, h := range p.RoutingHints {
		hints[i] = h.AsBytes()
	}

	w := packetWire{
		SourceHash:  p.ID.SourceHash,
		Sequence:    p.ID.Sequence,
		Source:      p.Source.AsBytes(),
		Destination: p.Destination.AsBytes(),
		Payload:     p.Payload.Data,
		Encrypted:   p.Payload.Encrypted,
		Hints:       hints,
		CreatedAt:   p.CreatedAt.UnixMilli(),
		TTL:         p.TTL,
		Visited:     p.VisitedHashes(),
		Priority:    uint8(p.Priority),
		Correlation: p.Correlation[:],
	}

	body, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("packet: encoding packet: %w", err)
	}
	return prependKind(KindPacket, body), nil
}

// MarshalConfirmation encodes a delivery confirmation the same way.
func MarshalConfirmation[I identity.Peer](c *Confirmation[I]) ([]byte, error) {
	path := make([][]byte, len(c.Path))
	for i, hop := range c.Path {
		path[i] = hop.AsBytes()
	}

	w := confirmWire{
		SourceHash:  c.ID.SourceHash,
		Sequence:    c.ID.Sequence,
		DeliveredTo: c.DeliveredTo.AsBytes(),
		DeliveredAt: c.DeliveredAt.UnixMilli(),
		Path:        path,
	}

	body, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("packet: encoding confirmation: %w", err)
	}
	return prependKind(KindConfirmation, body), nil
}

// UnmarshalFrame decodes a received frame, reconstructing identities through
// dec. Malformed input returns an error, never panics.
func UnmarshalFrame[I identity.Peer](data []byte, dec identity.Decoder[I]) (*Frame[I], error) {
	if len(data) < 2 {
		return nil, ErrFrameTooShort
	}

	switch data[0] {
	case KindPacket:
		p, err := unmarshalPacket(data[1:], dec)
		if err != nil {
			return nil, err
		}
		return &Frame[I]{Kind: KindPacket, Packet: p}, nil
	case KindConfirmation:
		c, err := unmarshalConfirmation(data[1:], dec)
		if err != nil {
			return nil, err
		}
		return &Frame[I]{Kind: KindConfirmation, Confirmation: c}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, data[0])
	}
}

func unmarshalPacket[I identity.Peer](body []byte, dec identity.Decoder[I]) (*Packet[I], error) {
	var w packetWire
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("packet: decoding packet: %w", err)
	}

	source, err := dec(w.Source)
	if err != nil {
		return nil, fmt.Errorf("packet: decoding source: %w", err)
	}
	destination, err := dec(w.Destination)
	if err != nil {
		return nil, fmt.Errorf("packet: decoding destination: %w", err)
	}

	hints := make([]I, 0, len(w.Hints))
	for _, raw := range w.Hints {
		hint, err := dec(raw)
		if err != nil {
			return nil, fmt.Errorf("packet: decoding routing hint: %w", err)
		}
		hints = append(hints, hint)
	}

	visited := make(map[uint64]struct{}, len(w.Visited)+1)
	for _, h := range w.Visited {
		visited[h] = struct{}{}
	}
	// The visited set carries the source hash from construction onward.
	visited[identity.Hash64(source)] = struct{}{}

	correlation := uuid.Nil
	if len(w.Correlation) > 0 {
		correlation, err = uuid.FromBytes(w.Correlation)
		if err != nil {
			return nil, fmt.Errorf("packet: decoding correlation id: %w", err)
		}
	}

	return &Packet[I]{
		ID:           ID{SourceHash: w.SourceHash, Sequence: w.Sequence},
		Source:       source,
		Destination:  destination,
		Payload:      Payload{Data: w.Payload, Encrypted: w.Encrypted},
		RoutingHints: hints,
		CreatedAt:    time.UnixMilli(w.CreatedAt),
		TTL:          w.TTL,
		Visited:      visited,
		Priority:     Priority(w.Priority),
		Correlation:  correlation,
	}, nil
}

func unmarshalConfirmation[I identity.Peer](body []byte, dec identity.Decoder[I]) (*Confirmation[I], error) {
	var w confirmWire
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("packet: decoding confirmation: %w", err)
	}

	deliveredTo, err := dec(w.DeliveredTo)
	if err != nil {
		return nil, fmt.Errorf("packet: decoding delivered_to: %w", err)
	}

	path := make([]I, 0, len(w.Path))
	for _, raw := range w.Path {
		hop, err := dec(raw)
		if err != nil {
			return nil, fmt.Errorf("packet: decoding path hop: %w", err)
		}
		path = append(path, hop)
	}

	return &Confirmation[I]{
		ID:          ID{SourceHash: w.SourceHash, Sequence: w.Sequence},
		DeliveredTo: deliveredTo,
		DeliveredAt: time.UnixMilli(w.DeliveredAt),
		Path:        path,
	}, nil
}

func prependKind(kind byte, body []byte) []byte {
	frame := make([]byte, len(body)+1)
	frame[0] = kind
	copy(frame[1:], body)
	return frame
}
