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


package daemon

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
)

// StatusReport is what the status command prints.
type StatusReport struct {
	Name      string
	Version   string
	BuildDate string
	Started   time.Time
	Running   []jcr.Info

	// Terminated is ordered oldest first.
	Terminated []jcr.Summary
}

// WriteStatus renders r in the console layout.
func WriteStatus(w io.Writer, r StatusReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Version: %s", r.Name, r.Version)
	if r.BuildDate != "" {
		fmt.Fprintf(&b, " (%s)", r.BuildDate)
	}
	b.WriteString("\n")
	if !r.Started.IsZero() {
		fmt.Fprintf(&b, "Daemon started %s. Jobs: run=%d running=%d.\n",
			r.Started.Format("02-Jan-06 15:04"), len(r.Terminated), len(r.Running))
	}

	b.WriteString("\nRunning Jobs:\n")
	if len(r.Running) == 0 {
		b.WriteString("No Jobs running.\n")
	}
	for _, j := range r.Running {
		fmt.Fprintf(&b, "JobId %d Job %s is running.\n", j.ID, j.Job)
		fmt.Fprintf(&b, "    %s %s Job started: %s\n", j.Level, j.Type, formatTime(j.StartTime))
		fmt.Fprintf(&b, "    Files=%s Bytes=%s Errors=%d\n",
			humanize.Comma(int64(j.JobFiles)), humanize.Comma(int64(j.JobBytes)), j.Errors)
	}
	b.WriteString("====\n")

	writeTerminated(&b, r.Terminated)

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteTerminated renders only the terminated-jobs table.
func WriteTerminated(w io.Writer, jobs []jcr.Summary) error {
	var b strings.Builder
	writeTerminated(&b, jobs)
	_, err := io.WriteString(w, b.String())
	return err
}

func writeTerminated(b *strings.Builder, jobs []jcr.Summary) {
	b.WriteString("\nTerminated Jobs:\n")
	if len(jobs) == 0 {
		b.WriteString("No Terminated Jobs.\n====\n")
		return
	}
	b.WriteString(" JobId  Level    Files      Bytes   Status   Finished        Name \n")
	b.WriteString("======================================================================\n")
	for _, s := range jobs {
		name := s.Job
		if i := strings.LastIndex(name, ".20"); i > 0 {
			name = name[:i]
		}
		fmt.Fprintf(b, "%6d  %-6s %8s %10s  %-7s  %-8s %s\n",
			s.JobID,
			levelLabel(s),
			humanize.Comma(int64(s.JobFiles)),
			strings.ReplaceAll(humanize.Bytes(s.JobBytes), " ", ""),
			statusLabel(s.Status),
			s.EndTime.Format("02-Jan-06 15:04"),
			name)
	}
	b.WriteString("====\n")
}

func levelLabel(s jcr.Summary) string {
	switch s.Type {
	case jcr.TypeRestore:
		return "Restore"
	case jcr.TypeVerify:
		return "Verify"
	}
	return s.Level.String()
}

func statusLabel(s jcr.Status) string {
	switch s {
	case jcr.StatusTerminated:
		return "OK"
	case jcr.StatusErrorTerminated, jcr.StatusFatalError:
		return "Error"
	case jcr.StatusCanceled:
		return "Cancel"
	case jcr.StatusDifferences:
		return "Diffs"
	}
	return "Other"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("02-Jan-06 15:04")
}
