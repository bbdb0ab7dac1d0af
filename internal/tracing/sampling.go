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

package tracing

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKey marks a span that must be kept whatever the ratio.
const ErrorKey = attribute.Key("error")

// NewSampler samples root spans by trace ID at ratio, follows the parent
// decision for children, and always keeps spans started with error=true.
func NewSampler(ratio float64) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case ratio >= 1:
		base = sdktrace.AlwaysSample()
	case ratio <= 0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(ratio)
	}
	return &errorAwareSampler{base: sdktrace.ParentBased(base), ratio: ratio}
}

type errorAwareSampler struct {
	base  sdktrace.Sampler
	ratio float64
}

func (s *errorAwareSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, kv := range p.Attributes {
		if kv.Key == ErrorKey && kv.Value.AsBool() {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.base.ShouldSample(p)
}

func (s *errorAwareSampler) Description() string {
	return fmt.Sprintf("ErrorAwareSampler{ratio=%.2f}", s.ratio)
}
