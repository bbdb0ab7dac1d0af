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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
)

func TestWriteStatus(t *testing.T) {
	end := time.Date(2025, time.March, 8, 1, 12, 0, 0, time.UTC)
	r := StatusReport{
		Name:    "zephyr-fd",
		Version: "15.0.2",
		Started: end.Add(-time.Hour),
		Running: []jcr.Info{{
			ID: 9, Job: "Catalog.2025-03-08_01.00.00_01", Type: jcr.TypeBackup, Level: jcr.LevelFull,
			StartTime: end, JobFiles: 12345, JobBytes: 9876543, Errors: 1,
		}},
		Terminated: []jcr.Summary{
			{JobID: 7, Job: "NightlySave.2025-03-07_23.05.00_01", Type: jcr.TypeBackup, Level: jcr.LevelIncremental,
				Status: jcr.StatusTerminated, JobFiles: 1200, JobBytes: 5 << 30, EndTime: end},
			{JobID: 8, Job: "RestoreFiles.2025-03-08_00.30.00_02", Type: jcr.TypeRestore,
				Status: jcr.StatusCanceled, EndTime: end},
		},
	}

	var b strings.Builder
	require.NoError(t, WriteStatus(&b, r))
	out := b.String()

	assert.True(t, strings.HasPrefix(out, "zephyr-fd Version: 15.0.2\n"))
	assert.Contains(t, out, "Jobs: run=2 running=1.")
	assert.Contains(t, out, "JobId 9 Job Catalog.2025-03-08_01.00.00_01 is running.")
	assert.Contains(t, out, "Files=12,345 Bytes=9,876,543 Errors=1")
	assert.Contains(t, out, "     7  Incremental    1,200      5.4GB  OK       08-Mar-25 01:12 NightlySave\n")
	assert.Contains(t, out, "     8  Restore        0         0B  Cancel   08-Mar-25 01:12 RestoreFiles\n")
}

func TestWriteTerminatedEmpty(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteTerminated(&b, nil))
	assert.Equal(t, "\nTerminated Jobs:\nNo Terminated Jobs.\n====\n", b.String())
}

func TestStatusLabels(t *testing.T) {
	assert.Equal(t, "OK", statusLabel(jcr.StatusTerminated))
	assert.Equal(t, "Error", statusLabel(jcr.StatusFatalError))
	assert.Equal(t, "Error", statusLabel(jcr.StatusErrorTerminated))
	assert.Equal(t, "Diffs", statusLabel(jcr.StatusDifferences))
	assert.Equal(t, "Other", statusLabel(jcr.StatusRunning))
}
