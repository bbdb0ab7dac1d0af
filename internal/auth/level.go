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

package auth

import (
	"fmt"
	"strings"
	"time"
)

// Level is a side's transport-security requirement. The numeric values
// are sent on the wire.
type Level int

const (
	TLSNone     Level = 0
	TLSOptional Level = 1
	TLSRequired Level = 2
)

func (l Level) String() string {
	switch l {
	case TLSNone:
		return "none"
	case TLSOptional:
		return "optional"
	case TLSRequired:
		return "required"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts "none", "optional" or "required".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off", "no":
		return TLSNone, nil
	case "optional", "ok", "yes":
		return TLSOptional, nil
	case "required", "require":
		return TLSRequired, nil
	}
	return TLSNone, fmt.Errorf("unknown tls level %q", s)
}

// Kind is the class of peer on a connection.
type Kind int

const (
	KindDaemon Kind = iota
	KindConsole
)

// Handshake deadlines by peer kind.
const (
	DaemonTimeout  = 30 * time.Second
	ConsoleTimeout = 5 * time.Minute
)

// Timeout returns the deadline for a whole handshake with this kind.
func (k Kind) Timeout() time.Duration {
	if k == KindConsole {
		return ConsoleTimeout
	}
	return DaemonTimeout
}

func (k Kind) String() string {
	if k == KindConsole {
		return "console"
	}
	return "daemon"
}

// ParseKind accepts "console" or "daemon".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "daemon":
		return KindDaemon, nil
	case "console":
		return KindConsole, nil
	}
	return KindDaemon, fmt.Errorf("unknown peer kind %q", s)
}

// State is a handshake state.
type State int

const (
	StateInit State = iota
	StateHelloSent
	StateChallengeExchanged
	StateTLSEvaluated
	StateTLSUpgraded
	StateAuthenticated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHelloSent:
		return "HELLO_SENT"
	case StateChallengeExchanged:
		return "CHALLENGE_EXCHANGED"
	case StateTLSEvaluated:
		return "TLS_EVALUATED"
	case StateTLSUpgraded:
		return "TLS_UPGRADED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRejected:
		return "REJECTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
