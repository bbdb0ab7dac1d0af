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
)

// redactHandler passes the message and every string attribute through
// mask before the wrapped handler sees them.
type redactHandler struct {
	inner slog.Handler
	mask  func(string) string
}

// NewRedactingHandler wraps inner so that mask is applied to record
// messages and string attribute values, including those in groups.
func NewRedactingHandler(inner slog.Handler, mask func(string) string) slog.Handler {
	return &redactHandler{inner: inner, mask: mask}
}

// Redact returns a logger whose output is filtered through mask.
func Redact(logger *slog.Logger, mask func(string) string) *slog.Logger {
	return slog.New(NewRedactingHandler(logger.Handler(), mask))
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.mask(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redact(a)
	}
	return &redactHandler{inner: h.inner.WithAttrs(redacted), mask: h.mask}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), mask: h.mask}
}

func (h *redactHandler) redact(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.mask(v.String()))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = h.redact(g)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.mask(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
