// Package audiohook implements the listen-only websocket ingress for the
// telephony vendor's AudioHook protocol: binary packet framing, the
// open/ping/close command exchange, media decode to canonical PCM S16LE,
// and bounded chunk forwarding to the internal sinks.
package audiohook

import (
	"encoding/json"
	"fmt"
)

// Packet type bytes on the wire.
const (
	PacketCommand byte = 0x01
	PacketAudio   byte = 0x10
)

// MaxPacketPayload is the largest payload the 24-bit length field allows.
const MaxPacketPayload = 0xFFFFFF

// Packet is one framed unit: a type byte followed by a 24-bit big-endian
// payload length and the payload itself.
type Packet struct {
	Type    byte
	Payload []byte
}

// DecodePackets splits a websocket message into packets. A truncated or
// malformed trailing packet ends decoding silently; everything decoded up
// to that point is returned.
func DecodePackets(data []byte) []Packet {
	var packets []Packet
	offset := 0
	for offset+4 <= len(data) {
		typ := data[offset]
		size := int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if offset+size > len(data) {
			break
		}
		packets = append(packets, Packet{Type: typ, Payload: data[offset : offset+size]})
		offset += size
	}
	return packets
}

// EncodePacket frames a payload for the wire.
func EncodePacket(typ byte, payload []byte) ([]byte, error) {
	size := len(payload)
	if size > MaxPacketPayload {
		return nil, fmt.Errorf("audiohook: payload of %d bytes exceeds packet limit", size)
	}
	out := make([]byte, 4+size)
	out[0] = typ
	out[1] = byte(size >> 16)
	out[2] = byte(size >> 8)
	out[3] = byte(size)
	copy(out[4:], payload)
	return out, nil
}

// EncodeCommand frames a JSON command packet.
func EncodeCommand(command any) ([]byte, error) {
	payload, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("audiohook: encode command: %w", err)
	}
	return EncodePacket(PacketCommand, payload)
}
