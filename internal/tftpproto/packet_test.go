package tftpproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  Packet
	}{
		{"RRQ", &RRQ{Filename: "boot.img", Mode: "octet"}},
		{"WRQ", &WRQ{Filename: "upload.bin", Mode: "octet"}},
		{"DATA full block", &Data{Block: 1, Payload: bytes.Repeat([]byte{0xAB}, BlockSize)}},
		{"DATA short block", &Data{Block: 2, Payload: []byte("hi")}},
		{"DATA empty block", &Data{Block: 1, Payload: nil}},
		{"ACK", &Ack{Block: 65535}},
		{"ERROR", &Err{Code: ErrFileNotFound, Message: "no such file"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := tc.pkt.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}

			got, err := Parse(wire)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}

			if got.Opcode() != tc.pkt.Opcode() {
				t.Fatalf("opcode = %v, want %v", got.Opcode(), tc.pkt.Opcode())
			}

			switch want := tc.pkt.(type) {
			case *RRQ:
				g := got.(*RRQ)
				if g.Filename != want.Filename || g.Mode != want.Mode {
					t.Fatalf("RRQ = %+v, want %+v", g, want)
				}
			case *WRQ:
				g := got.(*WRQ)
				if g.Filename != want.Filename || g.Mode != want.Mode {
					t.Fatalf("WRQ = %+v, want %+v", g, want)
				}
			case *Data:
				g := got.(*Data)
				if g.Block != want.Block || !bytes.Equal(g.Payload, want.Payload) {
					t.Fatalf("Data block=%d len=%d, want block=%d len=%d", g.Block, len(g.Payload), want.Block, len(want.Payload))
				}
			case *Ack:
				g := got.(*Ack)
				if g.Block != want.Block {
					t.Fatalf("Ack.Block = %d, want %d", g.Block, want.Block)
				}
			case *Err:
				g := got.(*Err)
				if g.Code != want.Code || g.Message != want.Message {
					t.Fatalf("Err = %+v, want %+v", g, want)
				}
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0}},
		{"unknown opcode", []byte{0, 9}},
		{"RRQ missing terminators", append([]byte{0, 1}, "foo"...)},
		{"RRQ missing mode terminator", append(append([]byte{0, 1}, "foo\x00"...), "octet"...)},
		{"DATA too short", []byte{0, 3, 0}},
		{"DATA oversized", append([]byte{0, 3, 0, 1}, make([]byte, BlockSize+1)...)},
		{"ACK too short", []byte{0, 4, 0}},
		{"ERROR missing NUL", append([]byte{0, 5, 0, 1}, "oops"...)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("error %v does not wrap ErrMalformed", err)
			}
		})
	}
}

func TestParseRequestModeCaseInsensitive(t *testing.T) {
	wire, err := (&RRQ{Filename: "a", Mode: "OCTET"}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(wire)
	if err != nil {
		t.Fatal(err)
	}
	rrq := got.(*RRQ)
	if !ValidMode(rrq.Mode) {
		t.Fatalf("expected %q to be a valid mode", rrq.Mode)
	}
}

func TestDataMarshalRejectsOversizedPayload(t *testing.T) {
	d := &Data{Block: 1, Payload: make([]byte, BlockSize+1)}
	if _, err := d.MarshalBinary(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOpcodeString(t *testing.T) {
	if OpRRQ.String() != "RRQ" {
		t.Fatalf("OpRRQ.String() = %q", OpRRQ.String())
	}
	if Opcode(99).String() == "" {
		t.Fatal("expected non-empty string for unknown opcode")
	}
}
