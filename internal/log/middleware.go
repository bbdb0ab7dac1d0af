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

package log

import (
	"context"
	"log/slog"
	"time"
)

// ConsoleCommand describes one command received on an authenticated
// console session.
type ConsoleCommand struct {
	// Verb is the first word of the command line (e.g., "status").
	Verb string

	// SessionID identifies the connection.
	SessionID string

	// Peer is the authenticated console name.
	Peer string
}

// CommandMiddleware logs console commands and their outcome.
type CommandMiddleware struct {
	logger *slog.Logger
}

// NewCommandMiddleware creates a new console command logging middleware.
func NewCommandMiddleware(logger *slog.Logger) *CommandMiddleware {
	return &CommandMiddleware{logger: OrDefault(logger)}
}

// Handle runs handler and logs the command before and after.
func (m *CommandMiddleware) Handle(cmd ConsoleCommand, handler func() error) error {
	start := time.Now()

	m.logger.Debug("console command received",
		EventKey, "console_command",
		"verb", cmd.Verb,
		SessionIDKey, cmd.SessionID,
		PeerKey, cmd.Peer,
	)

	err := handler()

	attrs := []any{
		EventKey, "console_result",
		"verb", cmd.Verb,
		SessionIDKey, cmd.SessionID,
		PeerKey, cmd.Peer,
		"success", err == nil,
		DurationKey, time.Since(start).Milliseconds(),
	}
	level := slog.LevelInfo
	msg := "console command completed"
	if err != nil {
		attrs = append(attrs, "error", err.Error())
		level = slog.LevelWarn
		msg = "console command failed"
	}
	m.logger.Log(context.Background(), level, msg, attrs...)

	return err
}
