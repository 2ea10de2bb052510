// Package ngt frames and deframes the byte-stuffed packet protocol
// used to talk to Garmin NGT-series devices over a serial link.
package ngt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// MissingMarker reports a packet that doesn't start and end with the
// '~' frame delimiter.
type MissingMarker struct{}

func (MissingMarker) Error() string { return "missing a ~ marker" }

// LengthMismatch reports a message whose declared length header
// doesn't match its actual payload length.
type LengthMismatch struct {
	Want, Got int
}

func (e LengthMismatch) Error() string {
	return fmt.Sprintf("length mismatch: expected %d, got %d", e.Want, e.Got)
}

// Checksum sums the packet in 4-byte little-endian words (the final
// partial word, if any, is read as-is), wrapping modulo 2^32. It is
// not a CRC: the NGT wire protocol's trailing 4 bytes are this
// additive checksum, not a polynomial one.
func Checksum(data []byte) uint32 {
	var chk uint32
	for i := 0; i < len(data); i += 4 {
		end := i + 4
		if end > len(data) {
			end = len(data)
		}
		word := make([]byte, 4)
		copy(word, data[i:end])
		chk += binary.LittleEndian.Uint32(word)
	}
	return chk
}

// RemoveChecksum splits data into its content and trailing u32 LE
// checksum, returning an error if the checksum doesn't match the
// content.
func RemoveChecksum(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("data too short to contain a checksum")
	}
	content := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	got := Checksum(content)
	if got != want {
		return nil, errors.Errorf("checksum mismatch: expected %08x, got %08x", want, got)
	}
	return content, nil
}

// AddChecksum appends data's additive checksum as a trailing u32 LE
// field.
func AddChecksum(data []byte) []byte {
	chk := Checksum(data)
	return binary.LittleEndian.AppendUint32(append([]byte(nil), data...), chk)
}

// decodeChunk reverses the '~'-stuffing escape scheme: "}]" decodes
// to "}" and "}^" decodes to "~".
func decodeChunk(chunk []byte) []byte {
	chunk = bytes.ReplaceAll(chunk, []byte("}^"), []byte("~"))
	chunk = bytes.ReplaceAll(chunk, []byte("}]"), []byte("}"))
	return chunk
}

// encodeChunk escapes '}' and '~' so the result can be embedded
// between '~' frame delimiters without ambiguity.
func encodeChunk(chunk []byte) []byte {
	chunk = bytes.ReplaceAll(chunk, []byte("}"), []byte("}]"))
	chunk = bytes.ReplaceAll(chunk, []byte("~"), []byte("}^"))
	return chunk
}

// DecodePacket splits a raw byte-stuffed packet into its framed
// message chunks. Consecutive messages are packed back-to-back with
// no separator other than the shared boundary '~' byte, so adjacent
// messages appear as a single leading '~', a run of "~~"-separated
// chunks, and a single trailing '~'.
func DecodePacket(packet []byte) ([][]byte, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	if !bytes.HasPrefix(packet, []byte("~")) || !bytes.HasSuffix(packet, []byte("~")) {
		return nil, MissingMarker{}
	}

	inner := packet[1 : len(packet)-1]
	rawChunks := bytes.Split(inner, []byte("~~"))

	chunks := make([][]byte, len(rawChunks))
	for i, raw := range rawChunks {
		chunks[i] = decodeChunk(raw)
	}
	return chunks, nil
}

// EncodePacket is the inverse of DecodePacket: it wraps each chunk in
// '~' delimiters after escaping it.
func EncodePacket(chunks [][]byte) []byte {
	var out bytes.Buffer
	for _, chunk := range chunks {
		out.WriteByte('~')
		out.Write(encodeChunk(chunk))
		out.WriteByte('~')
	}
	return out.Bytes()
}

// Message is one framed NGT protocol message: a 16-bit type tag and
// its payload.
type Message struct {
	Type uint16
	Data []byte
}

// UnwrapMessage parses a decoded chunk's 4-byte header (u16 type, u16
// length) and validates the declared length against the payload that
// follows.
func UnwrapMessage(data []byte) (Message, error) {
	if len(data) < 4 {
		return Message{}, errors.New("message too short to contain a header")
	}
	msgType := binary.LittleEndian.Uint16(data[0:2])
	msgLen := int(binary.LittleEndian.Uint16(data[2:4]))
	payload := data[4:]
	if msgLen != len(payload) {
		return Message{}, LengthMismatch{Want: len(payload), Got: msgLen}
	}
	return Message{Type: msgType, Data: payload}, nil
}

// WrapMessage is the inverse of UnwrapMessage.
func WrapMessage(msgType uint16, data []byte) []byte {
	out := make([]byte, 0, 4+len(data))
	out = binary.LittleEndian.AppendUint16(out, msgType)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(data)))
	out = append(out, data...)
	return out
}

// DataBlock is a checksummed, typed data block carried inside certain
// message payloads (message type 0x0001/0x0031 in the wire protocol).
type DataBlock struct {
	Type uint32
	Data []byte
}

// UnwrapDataBlock strips and validates the trailing additive checksum,
// then reads the 4-byte LE data-type tag that precedes the block's
// content.
func UnwrapDataBlock(data []byte) (DataBlock, error) {
	content, err := RemoveChecksum(data)
	if err != nil {
		return DataBlock{}, err
	}
	if len(content) < 4 {
		return DataBlock{}, errors.New("data block too short to contain a type tag")
	}
	return DataBlock{
		Type: binary.LittleEndian.Uint32(content[0:4]),
		Data: content[4:],
	}, nil
}

// WrapDataBlock is the inverse of UnwrapDataBlock.
func WrapDataBlock(dataType uint32, content []byte) []byte {
	body := binary.LittleEndian.AppendUint32(nil, dataType)
	body = append(body, content...)
	return AddChecksum(body)
}

// DecodeMessages decodes a raw packet straight down to its Messages,
// composing DecodePacket and UnwrapMessage.
func DecodeMessages(packet []byte) ([]Message, error) {
	chunks, err := DecodePacket(packet)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, len(chunks))
	for i, chunk := range chunks {
		msg, err := UnwrapMessage(chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "message #%d", i)
		}
		msgs[i] = msg
	}
	return msgs, nil
}

// EncodeMessages is the inverse of DecodeMessages.
func EncodeMessages(msgs []Message) []byte {
	chunks := make([][]byte, len(msgs))
	for i, msg := range msgs {
		chunks[i] = WrapMessage(msg.Type, msg.Data)
	}
	return EncodePacket(chunks)
}
