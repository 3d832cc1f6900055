// Package tftpsrv implements the per-session state machine and the
// dispatcher that spawns sessions from the well-known socket.
package tftpsrv

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/ktauchathuranga/tftpd-linux/internal/config"
	"github.com/ktauchathuranga/tftpd-linux/internal/tftplog"
	"github.com/ktauchathuranga/tftpd-linux/internal/tftpproto"
)

// outcome records how a session ended, for logging and tests.
type outcome int

const (
	completed outcome = iota
	errored
	timedOut
)

func (o outcome) String() string {
	switch o {
	case completed:
		return "completed"
	case errored:
		return "errored"
	case timedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// sessionMode distinguishes a read session from a write session.
type sessionMode int

const (
	modeRead sessionMode = iota
	modeWrite
)

// session owns one ephemeral UDP endpoint and drives one RRQ or WRQ to
// completion. It is created by the dispatcher and never retained beyond
// spawn (§3 Lifecycle).
type session struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	logger *tftplog.Logger
	cfg    config.TransferConfig

	mode     sessionMode
	file     *os.File
	filename string // as requested by the client, for logging
	path     string // resolved on-disk path, for write-session cleanup

	block      uint16
	lastPacket []byte
	retries    int
}

// run drives the session to completion, closing its UDP endpoint
// unconditionally on return (Invariant 1) and removing a partially
// written file when a write session fails and DeletePartialOnFailure is
// set (Open Question 3).
func (s *session) run() outcome {
	defer s.conn.Close()

	if s.mode == modeRead {
		return s.runRead()
	}

	oc := s.runWrite()
	if oc != completed && s.cfg.DeletePartialOnFailure {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("%s: failed to remove partial file: %v", s.filename, err)
		} else if err == nil {
			s.logger.Debug("%s: removed partial file after %s", s.filename, oc)
		}
	}
	return oc
}

// nextBlock advances a block number, applying the configured wrap policy
// at the 65535 boundary (Open Question 1).
func nextBlock(n uint16, policy string) uint16 {
	if n != 65535 {
		return n + 1
	}
	if policy == config.BlockWrapZero {
		return 0
	}
	return 1
}

// isRetransmit reports whether got is a duplicate/stale value of want
// under the session's wrap policy: the previous block number in the
// sequence that led to want.
func isRetransmit(got, want uint16, policy string) bool {
	if want == 0 {
		if policy == config.BlockWrapZero {
			return got == 65535
		}
		return false
	}
	if want == 1 && policy == config.BlockWrapOne {
		return got == 65535
	}
	return got == want-1
}

// sendRaw marshals and writes p to the session's peer, remembering the
// bytes for retransmission.
func (s *session) sendRaw(p tftpproto.Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	s.lastPacket = b
	_, err = s.conn.WriteToUDP(b, s.peer)
	return err
}

// resend retransmits the last packet verbatim, without re-marshaling.
func (s *session) resend() error {
	_, err := s.conn.WriteToUDP(s.lastPacket, s.peer)
	return err
}

func (s *session) sendError(code uint16, message string) {
	_ = s.sendRaw(&tftpproto.Err{Code: code, Message: message})
}

// sendErrorTo replies to an off-peer address without touching session
// state or the retransmission buffer (Invariant 4).
func (s *session) sendErrorTo(addr *net.UDPAddr, code uint16, message string) {
	p := &tftpproto.Err{Code: code, Message: message}
	b, err := p.MarshalBinary()
	if err != nil {
		return
	}
	_, _ = s.conn.WriteToUDP(b, addr)
}

// recvEvent is the outcome of waiting for one datagram.
type recvEvent struct {
	packet  tftpproto.Packet
	addr    *net.UDPAddr
	timeout bool
	err     error
}

// receive waits for the next datagram up to deadline. Packets from a
// non-bound peer are answered with ERROR 5 and skipped in-loop (Invariant
// 4 does not count as consuming the wait).
func (s *session) receive(deadline time.Time) recvEvent {
	buf := make([]byte, 516)
	for {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return recvEvent{err: err}
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return recvEvent{timeout: true}
			}
			return recvEvent{err: err}
		}

		if addr.IP.String() != s.peer.IP.String() || addr.Port != s.peer.Port {
			s.sendErrorTo(addr, tftpproto.ErrUnknownTransferID, "unknown transfer ID")
			continue
		}

		p, perr := tftpproto.Parse(buf[:n])
		if perr != nil {
			s.logger.Debug("malformed packet from %s: %v", addr, perr)
			continue
		}
		return recvEvent{packet: p, addr: addr}
	}
}

// runRead drives a read session (server sends DATA, awaits ACK), §4.3.1.
func (s *session) runRead() outcome {
	defer s.file.Close()

	s.block = 1
	buf := make([]byte, tftpproto.BlockSize)

	for {
		n, rerr := io.ReadFull(s.file, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			s.logger.Warn("%s: read error: %v", s.filename, rerr)
			s.sendError(tftpproto.ErrNotDefined, "read error")
			return errored
		}
		payload := append([]byte(nil), buf[:n]...)
		final := n < tftpproto.BlockSize

		if err := s.sendRaw(&tftpproto.Data{Block: s.block, Payload: payload}); err != nil {
			s.logger.Warn("%s: write error: %v", s.filename, err)
			return errored
		}

		s.retries = 0
		deadline := time.Now().Add(s.cfg.Timeout)

	awaitAck:
		for {
			ev := s.receive(deadline)

			switch {
			case ev.err != nil:
				s.logger.Warn("%s: recv error: %v", s.filename, ev.err)
				return errored

			case ev.timeout:
				if s.retries >= s.cfg.MaxRetries {
					s.logger.Info("%s: timed out after %d retries", s.filename, s.retries)
					return timedOut
				}
				s.retries++
				if err := s.resend(); err != nil {
					s.logger.Warn("%s: retransmit failed: %v", s.filename, err)
					return errored
				}
				deadline = time.Now().Add(s.cfg.Timeout)
				continue awaitAck

			default:
				ack, ok := ev.packet.(*tftpproto.Ack)
				if !ok {
					s.logger.Debug("%s: illegal operation in AWAIT_ACK: %s", s.filename, ev.packet.Opcode())
					s.sendError(tftpproto.ErrIllegalOperation, "expected ACK")
					return errored
				}
				if ack.Block != s.block {
					// Stale or duplicate ACK (Invariant 3, idempotence
					// property): ignore without resetting the timer.
					continue awaitAck
				}
				break awaitAck
			}
		}

		if final {
			s.logger.Info("%s: transfer complete", s.filename)
			return completed
		}
		s.block = nextBlock(s.block, s.cfg.BlockWrap)
	}
}

// runWrite drives a write session (server receives DATA, sends ACK),
// §4.3.2.
func (s *session) runWrite() outcome {
	defer s.file.Close()

	s.block = 1
	if err := s.sendRaw(&tftpproto.Ack{Block: 0}); err != nil {
		s.logger.Warn("%s: write error: %v", s.filename, err)
		return errored
	}

	for {
		s.retries = 0
		deadline := time.Now().Add(s.cfg.Timeout)

	awaitData:
		for {
			ev := s.receive(deadline)

			switch {
			case ev.err != nil:
				s.logger.Warn("%s: recv error: %v", s.filename, ev.err)
				return errored

			case ev.timeout:
				if s.retries >= s.cfg.MaxRetries {
					s.logger.Info("%s: timed out after %d retries", s.filename, s.retries)
					return timedOut
				}
				s.retries++
				if err := s.resend(); err != nil {
					s.logger.Warn("%s: retransmit failed: %v", s.filename, err)
					return errored
				}
				deadline = time.Now().Add(s.cfg.Timeout)
				continue awaitData

			default:
				data, ok := ev.packet.(*tftpproto.Data)
				if !ok {
					s.logger.Debug("%s: illegal operation in AWAIT_DATA: %s", s.filename, ev.packet.Opcode())
					s.sendError(tftpproto.ErrIllegalOperation, "expected DATA")
					return errored
				}

				switch {
				case data.Block == s.block:
					if _, werr := s.file.Write(data.Payload); werr != nil {
						s.logger.Warn("%s: write error: %v", s.filename, werr)
						s.sendError(tftpproto.ErrDiskFull, "write error")
						return errored
					}
					if err := s.sendRaw(&tftpproto.Ack{Block: s.block}); err != nil {
						s.logger.Warn("%s: write error: %v", s.filename, err)
						return errored
					}
					if len(data.Payload) < tftpproto.BlockSize {
						if err := s.linger(); err != nil {
							s.logger.Debug("%s: linger ended: %v", s.filename, err)
						}
						s.logger.Info("%s: upload complete", s.filename)
						return completed
					}
					s.block = nextBlock(s.block, s.cfg.BlockWrap)
					break awaitData

				case isRetransmit(data.Block, s.block, s.cfg.BlockWrap):
					// Client didn't see our ACK; resend it without
					// rewriting data or touching the retry counter or
					// deadline.
					ack := &tftpproto.Ack{Block: data.Block}
					if b, merr := ack.MarshalBinary(); merr == nil {
						_, _ = s.conn.WriteToUDP(b, s.peer)
					}
					continue awaitData

				default:
					// Neither expected nor the immediately preceding
					// block: ignore per §4.3.2.
					continue awaitData
				}
			}
		}
	}
}

// linger remains for one timeout interval after the final ACK to
// retransmit it if the client retransmits the final DATA (§4.3.2 DONE
// linger).
func (s *session) linger() error {
	deadline := time.Now().Add(s.cfg.Timeout)
	ev := s.receive(deadline)
	if ev.timeout || ev.err != nil {
		return ev.err
	}
	if data, ok := ev.packet.(*tftpproto.Data); ok && data.Block == s.block {
		return s.resend()
	}
	return nil
}
