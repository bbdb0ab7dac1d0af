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
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/rkorzeniewski/bacula-sub003/internal/catalog"
	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	"github.com/rkorzeniewski/bacula-sub003/internal/config"
	"github.com/rkorzeniewski/bacula-sub003/internal/daemon"
	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/lifecycle"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
)

// NewStatusCommand creates the offline status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon runs and its recent jobs",
		Long: `Report the PID file state and the terminated jobs recorded on disk.

Jobs come from the catalog when history.catalog is set and the database
exists, otherwise from the state file. For live running jobs connect with
bconsole and issue "status".`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// TerminatedJob is the JSON form of a terminated job summary.
type TerminatedJob struct {
	JobID     uint32    `json:"jobid"`
	Job       string    `json:"job"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Status    string    `json:"status"`
	Files     uint32    `json:"files"`
	Bytes     uint64    `json:"bytes"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// StatusOutput is the JSON form of the status command.
type StatusOutput struct {
	shared.JSONResponse
	Name       string          `json:"name"`
	Running    bool            `json:"running"`
	PID        int             `json:"pid,omitempty"`
	Source     string          `json:"source"`
	Terminated []TerminatedJob `json:"terminated"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := daemon.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	out := StatusOutput{
		JSONResponse: shared.NewJSONResponse("status"),
		Name:         cfg.Daemon.Name,
		Terminated:   []TerminatedJob{},
	}
	if pid, err := lifecycle.NewPIDFile(cfg.PIDPath()).Read(); err == nil && lifecycle.IsProcessRunning(pid) {
		out.Running = true
		out.PID = pid
	}

	jobs, source, err := terminatedJobs(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	out.Source = source
	for _, s := range jobs {
		out.Terminated = append(out.Terminated, TerminatedJob{
			JobID:     s.JobID,
			Job:       s.Job,
			Type:      s.Type.String(),
			Level:     s.Level.String(),
			Status:    s.Status.String(),
			Files:     s.JobFiles,
			Bytes:     s.JobBytes,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
		})
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), out)
	}
	return writeStatus(cmd.OutOrStdout(), out, jobs)
}

func writeStatus(w io.Writer, out StatusOutput, jobs []jcr.Summary) error {
	if out.Running {
		fmt.Fprintf(w, "%s is running (pid %d).\n", out.Name, out.PID)
	} else {
		fmt.Fprintf(w, "%s is not running.\n", out.Name)
	}
	return daemon.WriteTerminated(w, jobs)
}

// terminatedJobs returns up to history.capacity summaries, oldest first,
// and the name of the source they came from.
func terminatedJobs(ctx context.Context, cfg *config.Config) ([]jcr.Summary, string, error) {
	if path := cfg.CatalogPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			cat, err := catalog.Open(ctx, catalog.Config{Path: path, Logger: log.Discard()})
			if err != nil {
				return nil, "", fmt.Errorf("open catalog: %w", err)
			}
			defer cat.Close()
			recent, err := cat.Recent(ctx, cfg.History.Capacity)
			if err != nil {
				return nil, "", err
			}
			slices.Reverse(recent)
			return recent, "catalog", nil
		}
	}

	h, err := lifecycle.NewStateFile(cfg.StatePath()).Read(cfg.History.Capacity)
	if err != nil {
		return nil, "", err
	}
	return h.Entries(), "state", nil
}
