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

// Package tracing configures the OpenTelemetry tracer provider.
//
// Packages create their tracers with otel.Tracer at init time; New
// installs the SDK provider globally so those tracers start recording.
// Without New the global no-op provider stays in place and spans cost
// nothing.
//
// Spans emitted by the daemon:
//
//	auth.accept, auth.initiate   one per handshake, with peer and outcome
//	job                          one per job, from registration to release
//	console.command              one per console command
package tracing
