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

package bsock

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/testutil/tlstest"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

func pipePair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	a, b := net.Pipe()
	sa := New(a, Options{Who: "Director", Logger: log.Discard()})
	sb := New(b, Options{Who: "File daemon", Logger: log.Discard()})
	t.Cleanup(func() {
		_ = sa.Close()
		_ = sb.Close()
	})
	return sa, sb
}

func TestSendRecvFraming(t *testing.T) {
	sa, sb := pipePair(t)

	go func() {
		_ = sa.Fsend("Hello %s calling\n", "bacula-dir")
		_ = sa.Send(nil)
		_ = sa.Signal(SignalEOD)
	}()

	n, err := sb.Recv()
	require.NoError(t, err)
	assert.Equal(t, int32(len("Hello bacula-dir calling\n")), n)
	assert.Equal(t, "Hello bacula-dir calling\n", sb.Msg())

	n, err = sb.Recv()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sb.Msg())

	n, err = sb.Recv()
	require.NoError(t, err)
	assert.Equal(t, SignalEOD, n)
	assert.Equal(t, "EOD", SignalName(n))
}

func TestWireFormatIsBigEndianLength(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	s := New(a, Options{Logger: log.Discard()})
	defer s.Close()

	go func() { _ = s.Send([]byte("abc")) }()

	buf := make([]byte, 7)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, buf)

	go func() { _ = s.Signal(SignalHeartbeat) }()
	_, err = io.ReadFull(b, buf[:4])
	require.NoError(t, err)
	assert.Equal(t, SignalHeartbeat, int32(binary.BigEndian.Uint32(buf[:4])))
}

func TestOversizedPacketSetsErrorFlag(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	s := New(b, Options{Logger: log.Discard()})
	defer s.Close()

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxPacketSize+1)
		_, _ = a.Write(hdr[:])
	}()

	_, err := s.Recv()
	require.ErrorIs(t, err, ErrPacketTooLarge)
	assert.True(t, s.IsError())

	assert.ErrorIs(t, s.Send([]byte("x")), ErrSocketError)
	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrSocketError)

	assert.ErrorIs(t, New(a, Options{}).Send(make([]byte, MaxPacketSize+1)), ErrPacketTooLarge)
}

func TestPeerHangupReturnsEOF(t *testing.T) {
	sa, sb := pipePair(t)
	require.NoError(t, sa.Close())

	_, err := sb.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, sb.IsError())
}

func TestAbortUnblocksRecv(t *testing.T) {
	_, sb := pipePair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := sb.Recv()
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	sb.Abort()

	select {
	case err := <-errc:
		var terr *bacerrors.TransientError
		assert.ErrorAs(t, err, &terr)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not unblock recv")
	}
	assert.True(t, sb.IsError())
	assert.False(t, sb.IsTimedOut())
}

func TestCloseIsIdempotent(t *testing.T) {
	sa, _ := pipePair(t)
	require.NoError(t, sa.Close())
	require.NoError(t, sa.Close())
	assert.True(t, sa.IsClosed())
	assert.ErrorIs(t, sa.Send([]byte("late")), ErrSocketClosed)
}

func TestBashSpaces(t *testing.T) {
	bashed := BashSpaces("my console name")
	assert.False(t, strings.Contains(bashed, " "))
	assert.Equal(t, "my\x01console\x01name", bashed)
	assert.Equal(t, "my console name", UnbashSpaces(bashed))
}

func TestTLSUpgradeInPlace(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "Test CA")
	serverCfg := ca.ServerConfig(t, dir, "bacula-sd")
	clientCfg := ca.ClientConfig(t, dir, "bacula-dir", "localhost")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		msg string
		err error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		s := New(conn, Options{Who: "Director", Logger: log.Discard()})
		defer s.Close()
		if err := s.StartTLSServer(ctx, serverCfg); err != nil {
			done <- result{err: err}
			return
		}
		if _, err := s.Recv(); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{msg: s.Msg()}
	}()

	c, err := Dial(ctx, ln.Addr().String(), DialOptions{Options: Options{Who: "Storage daemon", Logger: log.Discard()}})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "127.0.0.1", c.Host())

	require.NoError(t, c.StartTLSClient(ctx, clientCfg))
	assert.True(t, c.IsTLS())
	require.NoError(t, c.Fsend("over tls"))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "over tls", r.msg)
}

func TestStartTLSWithoutConfig(t *testing.T) {
	sa, _ := pipePair(t)
	assert.ErrorIs(t, sa.StartTLSServer(context.Background(), nil), ErrNoTLSConfig)
}

func TestDialGivesUpAfterRetryWindow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr, DialOptions{
		Options:       Options{Who: "File daemon", Logger: log.Discard()},
		RetryInterval: 10 * time.Millisecond,
		MaxRetryTime:  50 * time.Millisecond,
	})
	var terr *bacerrors.TransientError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "connect", terr.Op)
}
