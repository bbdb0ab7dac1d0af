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

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rkorzeniewski/bacula-sub003/internal/auth"
)

// TLSConfig configures session TLS.
type TLSConfig struct {
	// Level is none, optional or required.
	Level string `yaml:"level" toml:"level"`

	// Compatible selects the portable digest encoding in challenges.
	// Default: true.
	Compatible bool `yaml:"compatible" toml:"compatible"`

	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`

	// VerifyPeer requires and checks the peer's certificate.
	VerifyPeer bool `yaml:"verify_peer" toml:"verify_peer"`

	// ServerName is checked against the listener's certificate when
	// this side initiates.
	ServerName string `yaml:"server_name" toml:"server_name"`
}

// TLSLevel returns the parsed level; callers run Validate first.
func (t TLSConfig) TLSLevel() auth.Level {
	l, _ := auth.ParseLevel(t.Level)
	return l
}

// Enabled reports whether this side can take part in TLS at all.
func (t TLSConfig) Enabled() bool {
	return t.TLSLevel() != auth.TLSNone
}

func (t TLSConfig) validate() []string {
	var errs []string
	level, err := auth.ParseLevel(t.Level)
	if err != nil {
		return []string{fmt.Sprintf("tls.level: %v", err)}
	}
	if level == auth.TLSNone {
		return nil
	}
	if t.CertFile == "" || t.KeyFile == "" {
		errs = append(errs, "tls.cert_file and tls.key_file are required when tls.level is not none")
	}
	if t.VerifyPeer && t.CAFile == "" {
		errs = append(errs, "tls.ca_file is required when tls.verify_peer is set")
	}
	return errs
}

// ServerConfig builds the listener side configuration. It returns nil
// when TLS is disabled.
func (t TLSConfig) ServerConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	cfg, err := t.base()
	if err != nil {
		return nil, err
	}
	if t.VerifyPeer {
		cfg.ClientCAs = cfg.RootCAs
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientConfig builds the initiator side configuration. It returns nil
// when TLS is disabled.
func (t TLSConfig) ClientConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	cfg, err := t.base()
	if err != nil {
		return nil, err
	}
	cfg.ServerName = t.ServerName
	if !t.VerifyPeer {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

func (t TLSConfig) base() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
