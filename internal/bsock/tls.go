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
	"crypto/tls"
	"errors"
	"fmt"
)

// ErrNoTLSConfig is returned when an upgrade is requested without
// certificate material.
var ErrNoTLSConfig = errors.New("no TLS configuration")

// StartTLSServer upgrades the socket in place, acting as the TLS server.
// No packets may be in flight when it is called.
func (s *Socket) StartTLSServer(ctx context.Context, cfg *tls.Config) error {
	if cfg == nil {
		return ErrNoTLSConfig
	}
	return s.upgrade(ctx, tls.Server(s.Conn(), cfg))
}

// StartTLSClient upgrades the socket in place, acting as the TLS client.
func (s *Socket) StartTLSClient(ctx context.Context, cfg *tls.Config) error {
	if cfg == nil {
		return ErrNoTLSConfig
	}
	return s.upgrade(ctx, tls.Client(s.Conn(), cfg))
}

func (s *Socket) upgrade(ctx context.Context, tc *tls.Conn) error {
	if err := s.usable(); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if err := tc.HandshakeContext(ctx); err != nil {
		s.SetError(err)
		return fmt.Errorf("TLS negotiation with %s failed: %w", s.who, err)
	}

	s.connMu.Lock()
	s.conn = tc
	s.tls = true
	s.connMu.Unlock()

	st := tc.ConnectionState()
	s.logger.Debug("TLS established",
		"version", tls.VersionName(st.Version),
		"cipher", tls.CipherSuiteName(st.CipherSuite))
	return nil
}
