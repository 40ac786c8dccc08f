// Package adb speaks the ADB wire protocol over TCP and implements the
// Fire TV device family on top of it.
package adb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message types, little-endian ASCII.
const (
	cmdConnect = 0x4e584e43 // CNXN
	cmdAuth    = 0x48545541 // AUTH
	cmdOpen    = 0x4e45504f // OPEN
	cmdOkay    = 0x59414b4f // OKAY
	cmdWrite   = 0x45545257 // WRTE
	cmdClose   = 0x45534c43 // CLSE
)

// AUTH subtypes (arg0).
const (
	authToken        = 1
	authSignature    = 2
	authRSAPublicKey = 3
)

const (
	headerLen    = 24
	protoVersion = 0x01000000
	maxPayload   = 256 * 1024
)

var (
	errBadMagic     = errors.New("magic does not match command")
	errBadChecksum  = errors.New("payload checksum mismatch")
	errPayloadSize  = errors.New("payload length out of range")
	errShortPayload = errors.New("short payload")
)

// message is one ADB wire frame: a 24-byte header followed by the payload.
// The header carries command, arg0, arg1, payload length, payload checksum,
// and magic (command XOR 0xffffffff).
type message struct {
	Command uint32
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// checksum is the legacy ADB payload check: the byte sum as uint32.
func checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

func (m message) encode() []byte {
	buf := make([]byte, headerLen+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], m.Command)
	binary.LittleEndian.PutUint32(buf[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(buf[16:20], checksum(m.Payload))
	binary.LittleEndian.PutUint32(buf[20:24], m.Command^0xffffffff)
	copy(buf[headerLen:], m.Payload)
	return buf
}

func readMessage(r io.Reader) (message, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return message{}, err
	}

	msg := message{
		Command: binary.LittleEndian.Uint32(header[0:4]),
		Arg0:    binary.LittleEndian.Uint32(header[4:8]),
		Arg1:    binary.LittleEndian.Uint32(header[8:12]),
	}
	length := binary.LittleEndian.Uint32(header[12:16])
	check := binary.LittleEndian.Uint32(header[16:20])
	magic := binary.LittleEndian.Uint32(header[20:24])

	if msg.Command^0xffffffff != magic {
		return message{}, fmt.Errorf("command %08x: %w", msg.Command, errBadMagic)
	}
	if length > maxPayload {
		return message{}, fmt.Errorf("length %d: %w", length, errPayloadSize)
	}
	if length > 0 {
		msg.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return message{}, fmt.Errorf("%v: %w", err, errShortPayload)
		}
		// Post-banner traffic on newer protocol versions carries a zero
		// checksum; only verify when the peer filled it in.
		if check != 0 && checksum(msg.Payload) != check {
			return message{}, errBadChecksum
		}
	}
	return msg, nil
}
