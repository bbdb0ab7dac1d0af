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
	"fmt"

	"github.com/rkorzeniewski/bacula-sub003/internal/messages"
)

// DefaultMessagesName is the resource used when none is named.
const DefaultMessagesName = "Standard"

// MessagesConfig is one named routing resource.
type MessagesConfig struct {
	// MailCommand is the template for mail destinations.
	MailCommand string `yaml:"mail_command" toml:"mail_command"`

	// OperatorCommand is the template for operator destinations.
	OperatorCommand string `yaml:"operator_command" toml:"operator_command"`

	Destinations []DestinationConfig `yaml:"destinations" toml:"destinations"`
}

// DestinationConfig routes a set of types to one place.
type DestinationConfig struct {
	// Kind is stdout, stderr, syslog, file, append, mail, mail_on_error,
	// operator, director or console.
	Kind string `yaml:"kind" toml:"kind"`

	// Target is the path for file kinds and the recipients for mail kinds.
	Target string `yaml:"target" toml:"target"`

	// Types lists message types; "all" and "!type" are accepted.
	Types []string `yaml:"types" toml:"types"`

	// MailCommand overrides the resource command for this destination.
	MailCommand string `yaml:"mail_command" toml:"mail_command"`
}

// DefaultMessages sends everything but debug to stdout and the console
// log, and forwards to the director.
func DefaultMessages() MessagesConfig {
	return MessagesConfig{
		MailCommand: messages.DefaultMailCommand,
		Destinations: []DestinationConfig{
			{Kind: "stdout", Types: []string{"all", "!debug", "!skipped", "!saved"}},
			{Kind: "director", Types: []string{"all", "!debug", "!skipped", "!saved"}},
			{Kind: "console", Types: []string{"all", "!debug", "!skipped", "!saved"}},
		},
	}
}

// BuildChain turns the resource into a message chain.
func (m MessagesConfig) BuildChain() (*messages.Chain, error) {
	chain := messages.NewChain(m.MailCommand, m.OperatorCommand)
	for i, d := range m.Destinations {
		kind, err := messages.ParseKind(d.Kind)
		if err != nil {
			return nil, fmt.Errorf("destinations[%d]: %w", i, err)
		}
		mask, err := messages.ParseMask(d.Types)
		if err != nil {
			return nil, fmt.Errorf("destinations[%d]: %w", i, err)
		}
		if mask == 0 {
			return nil, fmt.Errorf("destinations[%d]: no message types selected", i)
		}
		if err := chain.AddMask(kind, mask, d.Target, d.MailCommand); err != nil {
			return nil, fmt.Errorf("destinations[%d]: %w", i, err)
		}
	}
	return chain, nil
}

// BuildChain returns the chain for the named resource.
func (c *Config) BuildChain(name string) (*messages.Chain, error) {
	if name == "" {
		name = c.Daemon.Messages
	}
	m, ok := c.Messages[name]
	if !ok {
		return nil, fmt.Errorf("unknown messages resource %q", name)
	}
	return m.BuildChain()
}
