// Package protocol defines the JSON packet format spoken on the event channel
// and the event, acknowledgement and handler primitives shared by the server
// and the Go client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PacketType identifies the kind of frame on the wire.
type PacketType string

const (
	PacketConnect    PacketType = "connect"
	PacketEvent      PacketType = "event"
	PacketAck        PacketType = "ack"
	PacketDisconnect PacketType = "disconnect"
)

var (
	ErrInvalidPacket    = errors.New("protocol: invalid packet")
	ErrMissingEventName = errors.New("protocol: missing event name")
	ErrMissingAckID     = errors.New("protocol: ack packet without id")
)

// Packet is a single JSON text frame exchanged on the event channel.
//
// Event packets carry their payload as a JSON array whose first element is the
// event name. Ack packets carry the reply arguments as a JSON array and must
// reference the id of the event they acknowledge.
type Packet struct {
	Type      PacketType      `json:"type"`
	Namespace string          `json:"nsp,omitempty"`
	ID        *uint64         `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectData is the payload of the connect packet the server sends first.
type ConnectData struct {
	SID string `json:"sid"`
}

// NewConnectPacket builds the handshake packet announcing the socket id.
func NewConnectPacket(nsp, sid string) (*Packet, error) {
	data, err := json.Marshal(ConnectData{SID: sid})
	if err != nil {
		return nil, fmt.Errorf("encode connect data: %w", err)
	}
	return &Packet{Type: PacketConnect, Namespace: nsp, Data: data}, nil
}

// NewEventPacket builds an event packet. A nil id means no acknowledgement is
// requested.
func NewEventPacket(nsp string, id *uint64, name string, args ...any) (*Packet, error) {
	if name == "" {
		return nil, ErrMissingEventName
	}

	items := make([]any, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)

	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", name, err)
	}
	return &Packet{Type: PacketEvent, Namespace: nsp, ID: id, Data: data}, nil
}

// NewAckPacket builds the reply to the event with the given id.
func NewAckPacket(nsp string, id uint64, args ...any) (*Packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode ack %d: %w", id, err)
	}
	return &Packet{Type: PacketAck, Namespace: nsp, ID: &id, Data: data}, nil
}

// NewDisconnectPacket builds the packet a peer sends before closing.
func NewDisconnectPacket(nsp string) *Packet {
	return &Packet{Type: PacketDisconnect, Namespace: nsp}
}

// Encode serializes the packet into a text frame payload.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, ErrInvalidPacket
	}
	return json.Marshal(p)
}

// Decode parses and validates a text frame payload.
func Decode(raw []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	switch p.Type {
	case PacketConnect, PacketDisconnect:
	case PacketEvent:
		if _, _, err := p.Event(); err != nil {
			return nil, err
		}
	case PacketAck:
		if p.ID == nil {
			return nil, ErrMissingAckID
		}
		if _, err := p.AckArgs(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPacket, p.Type)
	}

	return &p, nil
}

// Event splits an event packet's data into its name and raw arguments.
func (p *Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("%w: not an event packet", ErrInvalidPacket)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil {
		return "", nil, fmt.Errorf("%w: event data must be an array: %v", ErrInvalidPacket, err)
	}
	if len(items) == 0 {
		return "", nil, ErrMissingEventName
	}

	var name string
	if err := json.Unmarshal(items[0], &name); err != nil || name == "" {
		return "", nil, ErrMissingEventName
	}
	return name, items[1:], nil
}

// AckArgs returns the reply arguments of an ack packet.
func (p *Packet) AckArgs() ([]json.RawMessage, error) {
	if p.Type != PacketAck {
		return nil, fmt.Errorf("%w: not an ack packet", ErrInvalidPacket)
	}
	if len(p.Data) == 0 {
		return nil, nil
	}

	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return nil, fmt.Errorf("%w: ack data must be an array: %v", ErrInvalidPacket, err)
	}
	return args, nil
}

// ConnectData decodes the payload of a connect packet.
func (p *Packet) ConnectData() (ConnectData, error) {
	var data ConnectData
	if p.Type != PacketConnect {
		return data, fmt.Errorf("%w: not a connect packet", ErrInvalidPacket)
	}
	if err := json.Unmarshal(p.Data, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	return data, nil
}
