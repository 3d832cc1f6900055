// Package tftpproto implements the RFC 1350 wire format: encoding and
// decoding of the five TFTP packet types, and nothing else. It has no
// knowledge of sockets, sessions, or the filesystem.
package tftpproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Opcode identifies one of the five TFTP packet kinds.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(o))
	}
}

// Error codes from RFC 1350 section 5.
const (
	ErrNotDefined        uint16 = 0
	ErrFileNotFound      uint16 = 1
	ErrAccessViolation   uint16 = 2
	ErrDiskFull          uint16 = 3
	ErrIllegalOperation  uint16 = 4
	ErrUnknownTransferID uint16 = 5
	ErrFileExists        uint16 = 6
	ErrNoSuchUser        uint16 = 7
)

// BlockSize is the fixed DATA payload size; the final block of a transfer
// is any DATA packet carrying fewer than BlockSize bytes.
const BlockSize = 512

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed tftp packet")

// Packet is the tagged-variant union of the five wire packet types.
type Packet interface {
	Opcode() Opcode
	MarshalBinary() ([]byte, error)
}

// RRQ is a read request.
type RRQ struct {
	Filename string
	Mode     string
}

// WRQ is a write request.
type WRQ struct {
	Filename string
	Mode     string
}

// Data carries one block of file payload.
type Data struct {
	Block   uint16
	Payload []byte
}

// Ack acknowledges a block.
type Ack struct {
	Block uint16
}

// Err is an error reply; it never expects a response.
type Err struct {
	Code    uint16
	Message string
}

func (RRQ) Opcode() Opcode  { return OpRRQ }
func (WRQ) Opcode() Opcode  { return OpWRQ }
func (Data) Opcode() Opcode { return OpDATA }
func (Ack) Opcode() Opcode  { return OpACK }
func (Err) Opcode() Opcode  { return OpERROR }

func (p RRQ) MarshalBinary() ([]byte, error) {
	return marshalRequest(OpRRQ, p.Filename, p.Mode)
}

func (p WRQ) MarshalBinary() ([]byte, error) {
	return marshalRequest(OpWRQ, p.Filename, p.Mode)
}

func marshalRequest(op Opcode, filename, mode string) ([]byte, error) {
	if strings.IndexByte(filename, 0) >= 0 || strings.IndexByte(mode, 0) >= 0 {
		return nil, fmt.Errorf("%w: NUL in filename or mode", ErrMalformed)
	}
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(filename)+len(mode)))
	writeUint16(buf, uint16(op))
	buf.WriteString(filename)
	buf.WriteByte(0)
	buf.WriteString(mode)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

func (p Data) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > BlockSize {
		return nil, fmt.Errorf("%w: DATA payload of %d bytes exceeds %d", ErrMalformed, len(p.Payload), BlockSize)
	}
	buf := make([]byte, 4+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(buf[2:4], p.Block)
	copy(buf[4:], p.Payload)
	return buf, nil
}

func (p Ack) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], p.Block)
	return buf, nil
}

func (p Err) MarshalBinary() ([]byte, error) {
	if strings.IndexByte(p.Message, 0) >= 0 {
		return nil, fmt.Errorf("%w: NUL in error message", ErrMalformed)
	}
	buf := bytes.NewBuffer(make([]byte, 0, 5+len(p.Message)))
	writeUint16(buf, uint16(OpERROR))
	writeUint16(buf, p.Code)
	buf.WriteString(p.Message)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

// Parse decodes a single datagram into its Packet variant. It returns an
// error wrapping ErrMalformed for every shape violation named in §4.1:
// short header, unknown opcode, missing NUL terminators, runt/oversized
// DATA, and a missing ERROR-message terminator.
func Parse(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: datagram of %d bytes, need at least 2", ErrMalformed, len(b))
	}

	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	body := b[2:]

	switch op {
	case OpRRQ, OpWRQ:
		filename, mode, err := parseRequestBody(body)
		if err != nil {
			return nil, err
		}
		if op == OpRRQ {
			return &RRQ{Filename: filename, Mode: mode}, nil
		}
		return &WRQ{Filename: filename, Mode: mode}, nil

	case OpDATA:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: DATA shorter than 4 bytes", ErrMalformed)
		}
		payload := body[2:]
		if len(payload) > BlockSize {
			return nil, fmt.Errorf("%w: DATA payload of %d bytes exceeds %d", ErrMalformed, len(payload), BlockSize)
		}
		return &Data{
			Block:   binary.BigEndian.Uint16(body[0:2]),
			Payload: append([]byte(nil), payload...),
		}, nil

	case OpACK:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: ACK shorter than 4 bytes", ErrMalformed)
		}
		return &Ack{Block: binary.BigEndian.Uint16(body[0:2])}, nil

	case OpERROR:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: ERROR shorter than 4 bytes", ErrMalformed)
		}
		code := binary.BigEndian.Uint16(body[0:2])
		msg := body[2:]
		nul := bytes.IndexByte(msg, 0)
		if nul < 0 {
			return nil, fmt.Errorf("%w: ERROR message missing NUL terminator", ErrMalformed)
		}
		return &Err{Code: code, Message: string(msg[:nul])}, nil

	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformed, uint16(op))
	}
}

func parseRequestBody(body []byte) (filename, mode string, err error) {
	nul1 := bytes.IndexByte(body, 0)
	if nul1 < 0 {
		return "", "", fmt.Errorf("%w: request missing filename terminator", ErrMalformed)
	}
	rest := body[nul1+1:]
	nul2 := bytes.IndexByte(rest, 0)
	if nul2 < 0 {
		return "", "", fmt.Errorf("%w: request missing mode terminator", ErrMalformed)
	}
	return string(body[:nul1]), string(rest[:nul2]), nil
}

// ModeOctet and ModeNetascii are the two transfer modes a client may name.
// Only octet is honored; netascii is accepted at the wire level and
// rejected by the session layer (see Open Question 4).
const (
	ModeOctet    = "octet"
	ModeNetascii = "netascii"
)

// ValidMode reports whether s names a mode this server recognizes at all,
// case-insensitively, regardless of whether the session layer will honor it.
func ValidMode(s string) bool {
	s = strings.ToLower(s)
	return s == ModeOctet || s == ModeNetascii
}
