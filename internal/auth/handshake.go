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

// Package auth implements the mutual CRAM-MD5 handshake run on every new
// session socket.
//
// The initiator opens with a hello line naming itself. The listener then
// challenges the initiator (round 1) and the initiator challenges the
// listener (round 2); each challenge line advertises the sender's TLS
// requirement. Both sides compare requirements, upgrade the connection to
// TLS when both can, and finish with a second hello that the listener
// acknowledges with "1000 OK:". The whole exchange runs under one
// watchdog deadline.
package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

const maxNameLength = 127

var tracer = otel.Tracer("github.com/rkorzeniewski/bacula-sub003/internal/auth")

// Params configures the initiating side.
type Params struct {
	// Name is sent in the hello line.
	Name string

	// Password is the shared secret for the listener.
	Password string

	// TLSLevel is this side's requirement.
	TLSLevel Level

	// TLSConfig is the client configuration used when both sides agree
	// on TLS.
	TLSConfig *tls.Config

	// Kind selects the handshake deadline.
	Kind Kind

	// Timeout overrides the deadline implied by Kind.
	Timeout time.Duration

	// Legacy sends challenges in the pre-compatible digest encoding.
	Legacy bool

	Logger *slog.Logger
}

// Peer is what the listener knows about a named initiator.
type Peer struct {
	Password  string
	TLSLevel  Level
	TLSConfig *tls.Config
	Kind      Kind
}

// ListenerParams configures the accepting side.
type ListenerParams struct {
	// Name and Version are returned in the final acknowledgement.
	Name    string
	Version string

	// Lookup resolves the name from the hello line.
	Lookup func(name string) (Peer, bool)

	// Throttle, if set, refuses hosts that failed too often.
	Throttle *Throttle

	// HelloTimeout bounds the wait for the first hello line.
	// Default: DaemonTimeout.
	HelloTimeout time.Duration

	// Legacy sends challenges in the pre-compatible digest encoding.
	Legacy bool

	Logger *slog.Logger
}

// Result describes a finished handshake. It is returned on failure too.
type Result struct {
	State     State
	PeerName  string
	PeerKind  Kind
	LocalTLS  Level
	RemoteTLS Level
	TLS       bool

	// Greeting is the listener's acknowledgement, as seen by the
	// initiator.
	Greeting string
}

// ErrThrottled is the cause of a rejection for a host that failed too
// many handshakes recently.
var ErrThrottled = errors.New("too many failed authentication attempts")

type handshake struct {
	role   string
	local  string
	sock   *bsock.Socket
	logger *slog.Logger
	span   trace.Span
	res    *Result
}

func newHandshake(ctx context.Context, role, local string, sock *bsock.Socket, logger *slog.Logger) (context.Context, *handshake) {
	ctx, span := tracer.Start(ctx, "auth."+role,
		trace.WithAttributes(
			attribute.String("bacula.role", role),
			attribute.String("bacula.local", local),
			attribute.String("net.peer.name", sock.Host()),
		))
	h := &handshake{
		role:   role,
		local:  local,
		sock:   sock,
		logger: log.WithComponent(log.OrDefault(logger), "auth").With(log.PeerKey, sock.String()),
		span:   span,
		res:    &Result{State: StateInit},
	}
	return ctx, h
}

func (h *handshake) to(s State) {
	h.res.State = s
	h.span.AddEvent(s.String())
	log.Trace(h.logger, "handshake state", log.String("state", s.String()))
}

func (h *handshake) reject(reason string, cause error, diagnostic string) error {
	prev := h.res.State
	h.to(StateRejected)
	return &bacerrors.ProtocolError{
		Peer:       h.peerLabel(),
		State:      prev.String(),
		Reason:     reason,
		Diagnostic: diagnostic,
		Cause:      cause,
	}
}

func (h *handshake) peerLabel() string {
	if h.res.PeerName != "" {
		return h.res.PeerName
	}
	return h.sock.Who()
}

func (h *handshake) finish(start time.Time, err error) {
	outcome := "authenticated"
	if err != nil {
		h.res.State = StateRejected
		outcome = "rejected"
		if bacerrors.IsTimeout(err) {
			outcome = "timeout"
		}
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, outcome)
		h.logger.Warn("authentication failed",
			"role", h.role,
			"peer_name", h.res.PeerName,
			"peer_kind", h.res.PeerKind.String(),
			"outcome", outcome,
			log.Error(err))
	} else {
		h.logger.Info("authenticated",
			"role", h.role,
			"peer_name", h.res.PeerName,
			"tls", h.res.TLS)
	}
	h.span.SetAttributes(
		attribute.String("bacula.peer", h.res.PeerName),
		attribute.String("bacula.state", h.res.State.String()),
		attribute.Bool("bacula.tls", h.res.TLS))
	h.span.End()

	handshakesTotal.WithLabelValues(h.role, outcome).Inc()
	handshakeDuration.WithLabelValues(h.role).Observe(time.Since(start).Seconds())
}

// recv reads one data packet.
func (h *handshake) recv(what string) (string, error) {
	n, err := h.sock.Recv()
	if err != nil {
		return "", h.reject("connection failed while waiting for "+what, err, h.diagPassword())
	}
	if n < 0 {
		return "", h.reject(fmt.Sprintf("unexpected %s signal while waiting for %s", bsock.SignalName(n), what), nil, h.diagPassword())
	}
	return h.sock.Msg(), nil
}

func (h *handshake) send(line string) error {
	if err := h.sock.Send([]byte(line)); err != nil {
		return h.reject("send failed", err, h.diagPassword())
	}
	return nil
}

// sendQuiet is used on paths that are already failing.
func (h *handshake) sendQuiet(line string) {
	if !h.sock.IsError() {
		_ = h.sock.Send([]byte(line))
	}
}

// challenge sends our nonce and checks the peer's digest.
func (h *handshake) challenge(password string, level Level, compatible bool, round int) error {
	c := challenge{
		nonce:      newNonce(h.local),
		level:      level,
		compatible: compatible,
		round:      round,
		proto:      ProtocolVersion,
	}
	if err := h.send(c.line()); err != nil {
		return err
	}
	got, err := h.recv("challenge response")
	if err != nil {
		return err
	}
	if !responseMatches(got, digest(c.nonce, password, compatible)) {
		h.sendQuiet(authFailed)
		return h.reject("challenge response mismatch", nil, h.diagPassword())
	}
	return h.send(authOK)
}

// respond answers the peer's challenge for the expected round.
func (h *handshake) respond(password string, round int) (challenge, error) {
	line, err := h.recv("challenge")
	if err != nil {
		return challenge{}, err
	}
	if strings.HasPrefix(line, "1999") {
		return challenge{}, h.reject("peer refused the connection", nil, h.diagPassword())
	}
	c, err := parseChallenge(line)
	if err != nil {
		h.sendQuiet(authFailed)
		return challenge{}, h.reject("malformed challenge", err, h.diagProtocol())
	}
	if c.proto != 0 && (c.proto != ProtocolVersion || c.round != round) {
		h.sendQuiet(authFailed)
		return challenge{}, h.reject(
			fmt.Sprintf("unexpected challenge turn=%d proto=%d, want turn=%d proto=%d", c.round, c.proto, round, ProtocolVersion),
			nil, h.diagProtocol())
	}
	if err := h.send(digest(c.nonce, password, c.compatible)); err != nil {
		return challenge{}, err
	}
	ack, err := h.recv("challenge acknowledgement")
	if err != nil {
		return challenge{}, err
	}
	if ack != authOK {
		return challenge{}, h.reject("challenge response rejected by peer", nil, h.diagPassword())
	}
	return c, nil
}

// evaluateTLS applies the requirement table from this side's view.
func (h *handshake) evaluateTLS(local, remote Level) (bool, error) {
	h.res.LocalTLS, h.res.RemoteTLS = local, remote
	if local == TLSRequired && remote < TLSOptional {
		return false, h.reject("remote did not advertise required support for TLS", nil,
			fmt.Sprintf("Authorization problem: %s did not advertise required TLS support.\n", h.peerLabel()))
	}
	if remote == TLSRequired && local < TLSOptional {
		return false, h.reject("remote requires TLS", nil,
			fmt.Sprintf("Authorization problem: %s requires TLS.\n", h.peerLabel()))
	}
	h.to(StateTLSEvaluated)
	return local >= TLSOptional && remote >= TLSOptional, nil
}

func (h *handshake) upgrade(ctx context.Context, cfg *tls.Config, server bool) error {
	var err error
	if server {
		err = h.sock.StartTLSServer(ctx, cfg)
	} else {
		err = h.sock.StartTLSClient(ctx, cfg)
	}
	if err != nil {
		if errors.Is(err, bsock.ErrNoTLSConfig) {
			return h.reject("TLS agreed but no certificates are configured", err,
				fmt.Sprintf("TLS negotiation with %s failed.\nNo TLS certificate material is configured on this side.\n", h.peerLabel()))
		}
		return h.reject("TLS negotiation failed", err, h.diagCertificate(err))
	}
	h.res.TLS = true
	h.to(StateTLSUpgraded)
	return nil
}

func (h *handshake) diagPassword() string {
	return fmt.Sprintf("Authorization problem with %s.\n"+
		"Most likely the passwords do not agree.\n"+
		"If you are using TLS, there may have been a certificate validation error during the TLS handshake.\n",
		h.peerLabel())
}

func (h *handshake) diagProtocol() string {
	return fmt.Sprintf("Authorization problem with %s.\n"+
		"The peer sent a challenge this daemon does not understand.\n"+
		"Check that both sides run compatible versions.\n",
		h.peerLabel())
}

func (h *handshake) diagCertificate(err error) string {
	if isCertificateError(err) {
		return fmt.Sprintf("TLS negotiation with %s failed.\n"+
			"There was a possible certificate validation failure: %v\n"+
			"Check the CA, certificate and key configured on both sides.\n",
			h.peerLabel(), err)
	}
	return fmt.Sprintf("TLS negotiation with %s failed: %v\n"+
		"This may also be a possible certificate validation failure on the remote side.\n",
		h.peerLabel(), err)
}

func isCertificateError(err error) bool {
	var (
		unknownCA  x509.UnknownAuthorityError
		invalid    x509.CertificateInvalidError
		hostname   x509.HostnameError
		verifyFail *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownCA) || errors.As(err, &invalid) ||
		errors.As(err, &hostname) || errors.As(err, &verifyFail) {
		return true
	}
	return strings.Contains(err.Error(), "certificate")
}

// Initiate authenticates sock to the listener at the other end.
func Initiate(ctx context.Context, sock *bsock.Socket, p Params) (*Result, error) {
	start := time.Now()
	ctx, h := newHandshake(ctx, "initiator", p.Name, sock, p.Logger)

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = p.Kind.Timeout()
	}
	err := bsock.WithDeadline(ctx, sock, timeout, func(ctx context.Context) error {
		return h.initiate(ctx, p)
	})
	h.finish(start, err)
	return h.res, err
}

func (h *handshake) initiate(ctx context.Context, p Params) error {
	hello := fmt.Sprintf("Hello %s calling\n", bsock.BashSpaces(p.Name))
	if err := h.send(hello); err != nil {
		return err
	}
	h.to(StateHelloSent)

	theirs, err := h.respond(p.Password, roundListener)
	if err != nil {
		return err
	}
	if err := h.challenge(p.Password, p.TLSLevel, theirs.compatible && !p.Legacy, roundInitiator); err != nil {
		return err
	}
	h.to(StateChallengeExchanged)

	useTLS, err := h.evaluateTLS(p.TLSLevel, theirs.level)
	if err != nil {
		return err
	}
	if useTLS {
		if err := h.upgrade(ctx, p.TLSConfig, false); err != nil {
			return err
		}
	}

	if err := h.send(hello); err != nil {
		return err
	}
	reply, err := h.recv("hello acknowledgement")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, helloOK) {
		return h.reject("listener rejected hello", nil, h.diagPassword())
	}
	h.res.Greeting = strings.TrimRight(reply, "\n")
	h.to(StateAuthenticated)
	return nil
}

// Accept authenticates the initiator on sock.
func Accept(ctx context.Context, sock *bsock.Socket, p ListenerParams) (*Result, error) {
	start := time.Now()
	ctx, h := newHandshake(ctx, "listener", p.Name, sock, p.Logger)

	err := h.accept(ctx, p)
	if err != nil {
		h.sendQuiet(notAuthorized)
		p.Throttle.Failed(sock.Host())
	}
	h.finish(start, err)
	return h.res, err
}

func (h *handshake) accept(ctx context.Context, p ListenerParams) error {
	if !p.Throttle.Allowed(h.sock.Host()) {
		throttledTotal.Inc()
		return h.reject("host throttled", ErrThrottled,
			fmt.Sprintf("Connection from %s refused after repeated authentication failures.\n", h.sock.Host()))
	}

	helloTimeout := p.HelloTimeout
	if helloTimeout <= 0 {
		helloTimeout = DaemonTimeout
	}
	var peer Peer
	err := bsock.WithDeadline(ctx, h.sock, helloTimeout, func(context.Context) error {
		line, err := h.recv("hello")
		if err != nil {
			return err
		}
		name, ok := parseHello(line)
		if !ok {
			return h.reject("invalid hello", nil, h.diagProtocol())
		}
		h.res.PeerName = name
		h.to(StateHelloSent)

		if p.Lookup == nil {
			return h.reject("no peers configured", nil, h.diagPassword())
		}
		if peer, ok = p.Lookup(name); !ok {
			return h.reject("unknown peer "+name, nil, h.diagPassword())
		}
		h.res.PeerKind = peer.Kind
		return nil
	})
	if err != nil {
		return err
	}

	return bsock.WithDeadline(ctx, h.sock, peer.Kind.Timeout(), func(ctx context.Context) error {
		if err := h.challenge(peer.Password, peer.TLSLevel, !p.Legacy, roundListener); err != nil {
			return err
		}
		theirs, err := h.respond(peer.Password, roundInitiator)
		if err != nil {
			return err
		}
		h.to(StateChallengeExchanged)

		useTLS, err := h.evaluateTLS(peer.TLSLevel, theirs.level)
		if err != nil {
			return err
		}
		if useTLS {
			if err := h.upgrade(ctx, peer.TLSConfig, true); err != nil {
				return err
			}
		}

		line, err := h.recv("hello")
		if err != nil {
			return err
		}
		if name, ok := parseHello(line); !ok || name != h.res.PeerName {
			return h.reject("second hello does not match the first", nil, h.diagProtocol())
		}
		if err := h.send(fmt.Sprintf("%s %s Version: %s\n", helloOK, p.Name, p.Version)); err != nil {
			return err
		}
		h.to(StateAuthenticated)
		return nil
	})
}

// parseHello extracts the peer name from "Hello <name> calling[ <n>]".
func parseHello(line string) (string, bool) {
	fields := strings.Fields(strings.TrimRight(line, "\x00\n"))
	if len(fields) < 3 || len(fields) > 4 || fields[0] != "Hello" || fields[2] != "calling" {
		return "", false
	}
	name := bsock.UnbashSpaces(fields[1])
	if name == "" || len(name) > maxNameLength {
		return "", false
	}
	return name, true
}
