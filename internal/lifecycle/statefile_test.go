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

package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
)

func TestStateFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	sf := NewStateFile(StatePath(dir, "bacula-sd", 9103))
	if got := filepath.Base(sf.Path()); got != "bacula-sd.9103.state" {
		t.Fatalf("Path() base = %q", got)
	}

	start := time.Date(2025, time.March, 7, 23, 5, 0, 0, time.UTC)
	h := jcr.NewHistory(3)
	for i := uint32(1); i <= 4; i++ {
		h.Append(jcr.Summary{
			Type:      jcr.TypeBackup,
			Level:     jcr.LevelFull,
			Status:    jcr.StatusTerminated,
			JobID:     i,
			Job:       jcr.UniqueName("Nightly", start),
			JobFiles:  10 * i,
			JobBytes:  uint64(i) << 20,
			StartTime: start,
			EndTime:   start.Add(time.Duration(i) * time.Minute),
		})
	}

	if err := sf.Write(h); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := sf.Read(3)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	want := h.Entries()
	entries := got.Entries()
	if len(entries) != len(want) {
		t.Fatalf("Read() entries = %d, want %d", len(entries), len(want))
	}
	for i := range want {
		if entries[i].JobID != want[i].JobID || entries[i].Job != want[i].Job {
			t.Errorf("entry %d = %d/%s, want %d/%s", i, entries[i].JobID, entries[i].Job, want[i].JobID, want[i].Job)
		}
		if !entries[i].EndTime.Equal(want[i].EndTime) {
			t.Errorf("entry %d end time = %v, want %v", i, entries[i].EndTime, want[i].EndTime)
		}
	}
	if entries[0].JobID != 2 {
		t.Errorf("oldest kept JobId = %d, want 2", entries[0].JobID)
	}

	// No temporary files are left next to the state file.
	files, _ := os.ReadDir(dir)
	if len(files) != 1 {
		t.Errorf("directory holds %d files, want 1", len(files))
	}
}

func TestStateFile_Missing(t *testing.T) {
	h, err := NewStateFile(filepath.Join(t.TempDir(), "none.state")).Read(5)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if h.Len() != 0 || h.Capacity() != 5 {
		t.Errorf("Read() = len %d cap %d, want empty with capacity 5", h.Len(), h.Capacity())
	}
}

func TestStateFile_BadHeader(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content []byte
	}{
		{name: "short", content: []byte("Bacula")},
		{name: "wrong magic", content: make([]byte, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, tt.content, 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := NewStateFile(path).Read(10)
			if !errors.Is(err, ErrBadStateFile) {
				t.Errorf("Read() error = %v, want ErrBadStateFile", err)
			}
		})
	}
}

func TestStateFile_Overwrite(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "d.state"))

	big := jcr.NewHistory(10)
	for i := uint32(1); i <= 8; i++ {
		big.Append(jcr.Summary{Type: jcr.TypeBackup, Status: jcr.StatusTerminated, JobID: i})
	}
	if err := sf.Write(big); err != nil {
		t.Fatal(err)
	}

	small := jcr.NewHistory(10)
	small.Append(jcr.Summary{Type: jcr.TypeRestore, Status: jcr.StatusErrorTerminated, JobID: 99})
	if err := sf.Write(small); err != nil {
		t.Fatal(err)
	}

	got, err := sf.Read(10)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("Read() len = %d, want 1", got.Len())
	}
	last, _ := got.Last()
	if last.JobID != 99 || last.Status != jcr.StatusErrorTerminated {
		t.Errorf("Last() = %+v", last)
	}
}
