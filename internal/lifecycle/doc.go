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

/*
Package lifecycle manages the daemon process around the job engine.

# PID File

A daemon holds an exclusive flock on <working_directory>/<name>.<port>.pid
for as long as it runs. A leftover file is replaced when its process is
gone:

	pf := lifecycle.NewPIDFile(lifecycle.PIDPath(wd, "bacula-fd", 9102))
	if err := pf.Create(os.Getpid()); err != nil {
	    // another daemon owns the name and port
	}
	defer pf.Remove()

# State File

The recent-jobs ring survives restarts in <name>.<port>.state. The file is
a little-endian header (magic, version, the offset of the ring) followed by
the ring as written by jcr.History.WriteAt:

	sf := lifecycle.NewStateFile(lifecycle.StatePath(wd, "bacula-fd", 9102))
	hist, err := sf.Read(jcr.DefaultHistoryCapacity)
	...
	err = sf.Write(registry.History())

# Process Control

Stop and StopFromPIDFile deliver SIGTERM, and SIGKILL when forced, after
checking that the PID still runs the daemon binary. Detach starts a
background daemon and Probe waits for its /healthz endpoint.
*/
package lifecycle
