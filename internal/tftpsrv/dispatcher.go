package tftpsrv

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ktauchathuranga/tftpd-linux/internal/config"
	"github.com/ktauchathuranga/tftpd-linux/internal/tftplog"
	"github.com/ktauchathuranga/tftpd-linux/internal/tftpproto"
)

// pollInterval bounds how long the dispatcher blocks on a single read
// before checking for shutdown, so it stays responsive to ctx
// cancellation without spinning.
const pollInterval = 1 * time.Second

// Dispatcher owns the well-known UDP socket (§4.4). It decodes every
// incoming datagram, spawns a session for each valid RRQ/WRQ on a fresh
// ephemeral port, and answers stray traffic without ever blocking on
// session work.
type Dispatcher struct {
	conn   *net.UDPConn
	root   string
	cfg    config.TransferConfig
	logger *tftplog.Logger
}

// NewDispatcher binds the well-known listening socket on addr (e.g.
// ":6969") and returns a Dispatcher ready to Serve.
func NewDispatcher(addr string, root string, cfg config.TransferConfig, logger *tftplog.Logger) (*Dispatcher, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{conn: conn, root: root, cfg: cfg, logger: logger}, nil
}

// Addr reports the bound local address.
func (d *Dispatcher) Addr() net.Addr { return d.conn.LocalAddr() }

// Close releases the well-known socket.
func (d *Dispatcher) Close() error { return d.conn.Close() }

// Serve reads datagrams off the well-known socket until ctx is canceled.
// It never blocks on session work: spawning a session is the only
// constant-time action taken per accepted request (§4.4, §5).
func (d *Dispatcher) Serve(ctx context.Context) error {
	buf := make([]byte, 516)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := d.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}

		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		d.handle(append([]byte(nil), buf[:n]...), addr)
	}
}

// handle decodes one datagram and either spawns a session or replies with
// an error, per §4.4 steps 1-3.
func (d *Dispatcher) handle(datagram []byte, addr *net.UDPAddr) {
	p, err := tftpproto.Parse(datagram)
	if err != nil {
		d.logger.Debug("malformed initial datagram from %s: %v", addr, err)
		d.reply(addr, tftpproto.ErrIllegalOperation, "malformed packet")
		return
	}

	switch req := p.(type) {
	case *tftpproto.RRQ:
		d.spawn(modeRead, req.Filename, req.Mode, addr)
	case *tftpproto.WRQ:
		d.spawn(modeWrite, req.Filename, req.Mode, addr)
	default:
		// DATA/ACK/ERROR on the well-known port is stray traffic that
		// should have targeted a session's ephemeral port.
		d.logger.Debug("stray %s from %s on well-known port", req.Opcode(), addr)
		d.reply(addr, tftpproto.ErrUnknownTransferID, "unknown transfer ID")
	}
}

func (d *Dispatcher) reply(addr *net.UDPAddr, code uint16, msg string) {
	p := &tftpproto.Err{Code: code, Message: msg}
	b, err := p.MarshalBinary()
	if err != nil {
		return
	}
	_, _ = d.conn.WriteToUDP(b, addr)
}

// spawn validates mode and path, then hands the request to an
// independently running session on a fresh ephemeral port (§4.4 step 2).
func (d *Dispatcher) spawn(mode sessionMode, filename, wireMode string, addr *net.UDPAddr) {
	if !tftpproto.ValidMode(wireMode) {
		// §4.1: "other modes cause the session to be rejected with ERROR
		// code 0" — this covers any mode string outside {octet, netascii}.
		d.reply(addr, tftpproto.ErrNotDefined, "unsupported mode: "+wireMode)
		return
	}
	if strings.EqualFold(wireMode, tftpproto.ModeNetascii) {
		// Open Question 4: netascii is recognized but not implemented.
		d.reply(addr, tftpproto.ErrNotDefined, "netascii not supported")
		return
	}

	var path string
	var err error
	if mode == modeRead {
		path, err = tftpproto.ResolveRead(d.root, filename)
	} else {
		path, err = tftpproto.ResolveWrite(d.root, filename)
	}
	if err != nil {
		var pe *tftpproto.PathError
		code := tftpproto.ErrNotDefined
		if errors.As(err, &pe) {
			code = pe.Code
		}
		d.logger.Debug("rejected %s for %s from %s: %v", modeLabel(mode), filename, addr, err)
		d.reply(addr, code, err.Error())
		return
	}

	var file *os.File
	if mode == modeRead {
		file, err = os.Open(path)
	} else {
		// O_EXCL closes the TOCTOU window between ResolveWrite's
		// existence check and file creation.
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	}
	if err != nil {
		if mode == modeWrite && os.IsExist(err) {
			d.reply(addr, tftpproto.ErrFileExists, "file already exists")
			return
		}
		d.logger.Warn("%s: failed to open: %v", filename, err)
		d.reply(addr, tftpproto.ErrAccessViolation, "cannot open file")
		return
	}

	sessConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: d.localIP(), Port: 0})
	if err != nil {
		d.logger.Warn("%s: failed to open session endpoint: %v", filename, err)
		file.Close()
		d.reply(addr, tftpproto.ErrNotDefined, "cannot allocate session")
		return
	}

	s := &session{
		conn:     sessConn,
		peer:     addr,
		logger:   d.logger,
		cfg:      d.cfg,
		mode:     mode,
		file:     file,
		filename: filename,
		path:     path,
	}

	d.logger.Info("%s %s from %s via %s", modeLabel(mode), filename, addr, sessConn.LocalAddr())

	go func() {
		oc := s.run()
		d.logger.Info("%s %s from %s: %s", modeLabel(mode), filename, addr, oc)
	}()
}

// localIP picks the address the session socket should bind to: the same
// one the well-known socket is bound to. When that is a specific address,
// replies leave from it; when it is the wildcard address (as Shell binds
// it), the session socket is a wildcard too and the kernel chooses the
// source address.
func (d *Dispatcher) localIP() net.IP {
	if udpAddr, ok := d.conn.LocalAddr().(*net.UDPAddr); ok {
		return udpAddr.IP
	}
	return nil
}

func modeLabel(m sessionMode) string {
	if m == modeRead {
		return "RRQ"
	}
	return "WRQ"
}
