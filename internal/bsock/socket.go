// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bsock implements the framed session socket shared by all
// daemons.
//
// Each packet is a four byte big-endian signed length followed by that
// many payload bytes. A negative length carries a signal instead of data.
// Once an I/O failure, protocol violation or watchdog interruption sets
// the error flag, the socket refuses further traffic; only Close is
// meaningful after that.
package bsock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/watchdog"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// MaxPacketSize bounds the declared length of an incoming packet.
const MaxPacketSize = 1000000

// Signals carried in place of a packet length.
const (
	SignalEOD        int32 = -1
	SignalEODPoll    int32 = -2
	SignalStatus     int32 = -3
	SignalTerminate  int32 = -4
	SignalPoll       int32 = -5
	SignalHeartbeat  int32 = -6
	SignalHBResponse int32 = -7
)

// SignalName returns a readable name for a signal value.
func SignalName(sig int32) string {
	switch sig {
	case SignalEOD:
		return "EOD"
	case SignalEODPoll:
		return "EOD_POLL"
	case SignalStatus:
		return "STATUS"
	case SignalTerminate:
		return "TERMINATE"
	case SignalPoll:
		return "POLL"
	case SignalHeartbeat:
		return "HEARTBEAT"
	case SignalHBResponse:
		return "HB_RESPONSE"
	}
	return "unknown signal " + strconv.Itoa(int(sig))
}

var (
	// ErrSocketError is returned for traffic on a socket whose error flag
	// is set.
	ErrSocketError = errors.New("socket is in error state")

	// ErrSocketClosed is returned for traffic on a closed socket.
	ErrSocketClosed = errors.New("socket is closed")

	// ErrPacketTooLarge is returned when a peer declares a packet longer
	// than MaxPacketSize, or when sending one.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")

	// ErrTimerArmed is returned when a deadline is requested on a socket
	// that already has one armed.
	ErrTimerArmed = errors.New("socket already has a timer armed")

	// ErrNoWatchdog is returned by WithDeadline for sockets created
	// without a timer scheduler.
	ErrNoWatchdog = errors.New("socket has no watchdog")
)

// Timers is the part of the watchdog the socket needs.
type Timers interface {
	Arm(interval time.Duration, cb watchdog.Callback, data any, oneShot bool) (*watchdog.Entry, error)
	Disarm(e *watchdog.Entry)
}

// Options configures a Socket.
type Options struct {
	// Who names the peer in diagnostics, e.g. "Director daemon".
	Who string

	// Timers arms deadlines for WithDeadline.
	Timers Timers

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Socket is one framed session connection.
type Socket struct {
	who    string
	host   string
	port   int
	timers Timers
	logger *slog.Logger

	// connMu guards conn, which is replaced by a TLS upgrade.
	connMu sync.RWMutex
	conn   net.Conn
	tls    bool

	// wmu serializes writers.
	wmu sync.Mutex

	// rmu serializes readers and guards msg.
	rmu sync.Mutex
	msg []byte

	errFlag  atomic.Bool
	errCount atomic.Int32
	timedOut atomic.Bool
	closed   atomic.Bool
	lastErr  atomic.Pointer[error]

	// tmu guards timer.
	tmu   sync.Mutex
	timer *watchdog.Entry
}

// New wraps an established connection.
func New(conn net.Conn, opts Options) *Socket {
	s := &Socket{
		who:    opts.Who,
		conn:   conn,
		timers: opts.Timers,
	}
	if s.who == "" {
		s.who = "peer"
	}
	if addr := conn.RemoteAddr(); addr != nil {
		host, port, err := net.SplitHostPort(addr.String())
		if err == nil {
			s.host = host
			s.port, _ = strconv.Atoi(port)
		} else {
			s.host = addr.String()
		}
	}
	s.logger = log.WithComponent(log.OrDefault(opts.Logger), "bsock").With(log.PeerKey, s.who)
	return s
}

// Who returns the peer description.
func (s *Socket) Who() string { return s.who }

// Host returns the peer host.
func (s *Socket) Host() string { return s.host }

// Port returns the peer port, or 0 if unknown.
func (s *Socket) Port() int { return s.port }

// Conn returns the current transport.
func (s *Socket) Conn() net.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

// IsTLS reports whether the transport was upgraded to TLS.
func (s *Socket) IsTLS() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.tls
}

// IsError reports whether the error flag is set.
func (s *Socket) IsError() bool { return s.errFlag.Load() }

// Errors returns how many failures the socket has recorded.
func (s *Socket) Errors() int { return int(s.errCount.Load()) }

// IsTimedOut reports whether a watchdog deadline interrupted the socket.
func (s *Socket) IsTimedOut() bool { return s.timedOut.Load() }

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool { return s.closed.Load() }

// Err returns the error that set the error flag, if any.
func (s *Socket) Err() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetError records err and sets the error flag.
func (s *Socket) SetError(err error) {
	if err == nil {
		err = ErrSocketError
	}
	s.errCount.Add(1)
	s.lastErr.CompareAndSwap(nil, &err)
	if !s.errFlag.Swap(true) {
		s.logger.Debug("socket error flag set", log.Error(err))
	}
}

// Abort sets the error flag and forces any blocked read or write to
// return immediately.
func (s *Socket) Abort() {
	s.SetError(ErrSocketError)
	s.interrupt()
}

func (s *Socket) interrupt() {
	if conn := s.Conn(); conn != nil {
		_ = conn.SetDeadline(time.Now())
	}
}

func (s *Socket) usable() error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if s.errFlag.Load() {
		return ErrSocketError
	}
	return nil
}

func (s *Socket) ioError(op string, err error) error {
	s.SetError(err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && s.timedOut.Load() {
		return &bacerrors.TimeoutError{Operation: op + " " + s.who, Cause: err}
	}
	return &bacerrors.TransientError{Op: op, Peer: s.who, Cause: err}
}

// Send writes msg as one packet.
func (s *Socket) Send(msg []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if len(msg) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(msg))
	}

	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.Conn().Write(buf); err != nil {
		return s.ioError("send", err)
	}
	bytesSent.Add(float64(len(buf)))
	return nil
}

// Fsend formats and sends one packet.
func (s *Socket) Fsend(format string, args ...any) error {
	return s.Send([]byte(fmt.Sprintf(format, args...)))
}

// Signal sends a signal packet.
func (s *Socket) Signal(sig int32) error {
	if sig >= 0 {
		return fmt.Errorf("invalid signal %d", sig)
	}
	if err := s.usable(); err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(sig))

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.Conn().Write(hdr[:]); err != nil {
		return s.ioError("signal", err)
	}
	return nil
}

// Recv reads one packet. It returns the payload length, or a negative
// signal value; the payload is available from Msg until the next Recv.
// A clean hangup between packets returns io.EOF.
func (s *Socket) Recv() (int32, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()
	s.msg = s.msg[:0]

	conn := s.Conn()
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			s.SetError(io.EOF)
			return 0, io.EOF
		}
		return 0, s.ioError("recv", err)
	}
	n := int32(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 {
		return n, nil
	}
	if n > MaxPacketSize {
		err := fmt.Errorf("%w: %s declared %d bytes", ErrPacketTooLarge, s.who, n)
		s.SetError(err)
		return 0, err
	}

	if cap(s.msg) < int(n) {
		s.msg = make([]byte, n)
	}
	s.msg = s.msg[:n]
	if _, err := io.ReadFull(conn, s.msg); err != nil {
		s.msg = s.msg[:0]
		return 0, s.ioError("recv", err)
	}
	bytesReceived.Add(float64(4 + n))
	return n, nil
}

// Msg returns the payload of the last packet as a string.
func (s *Socket) Msg() string {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return string(s.msg)
}

// MsgBytes returns a copy of the last payload.
func (s *Socket) MsgBytes() []byte {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	out := make([]byte, len(s.msg))
	copy(out, s.msg)
	return out
}

// Close disarms any pending timer and closes the transport. It is safe to
// call more than once.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.tmu.Lock()
	if s.timer != nil && s.timers != nil {
		s.timers.Disarm(s.timer)
	}
	s.timer = nil
	s.tmu.Unlock()

	return s.Conn().Close()
}

// String describes the socket for logs.
func (s *Socket) String() string {
	if s.port > 0 {
		return fmt.Sprintf("%s at %s:%d", s.who, s.host, s.port)
	}
	return fmt.Sprintf("%s at %s", s.who, s.host)
}
