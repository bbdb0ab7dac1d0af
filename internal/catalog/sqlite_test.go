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

package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), Config{
		Path:   filepath.Join(t.TempDir(), "catalog.db"),
		WAL:    true,
		Logger: log.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func summary(id uint32) jcr.Summary {
	start := time.Date(2025, time.March, 7, 23, 5, 0, 0, time.UTC)
	return jcr.Summary{
		NumJobs:        int32(id),
		Type:           jcr.TypeBackup,
		Level:          jcr.LevelIncremental,
		Status:         jcr.StatusTerminated,
		JobID:          id,
		Job:            jcr.UniqueName("NightlySave", start),
		VolSessionID:   3,
		VolSessionTime: 1741388700,
		JobFiles:       1200,
		JobBytes:       5 << 30,
		StartTime:      start,
		EndTime:        start.Add(7 * time.Minute),
	}
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)

	for id := uint32(1); id <= 4; id++ {
		require.NoError(t, c.Record(ctx, summary(id)))
	}

	got, err := c.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(4), got[0].JobID)
	assert.Equal(t, uint32(3), got[1].JobID)

	want := summary(4)
	assert.Equal(t, want.Job, got[0].Job)
	assert.Equal(t, want.Level, got[0].Level)
	assert.Equal(t, want.Status, got[0].Status)
	assert.Equal(t, want.JobBytes, got[0].JobBytes)
	assert.True(t, want.EndTime.Equal(got[0].EndTime))
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)
	require.NoError(t, c.Record(ctx, summary(9)))

	s, err := c.Lookup(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, jcr.TypeBackup, s.Type)

	_, err = c.Lookup(ctx, 10)
	var nf *bacerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestPruneKeepsNewest(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)
	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, c.Record(ctx, summary(id)))
	}

	n, err := c.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := c.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(5), got[0].JobID)
}

func TestSinkFedByRegistry(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)

	reg := jcr.New(jcr.Config{OnHistory: c.Sink(), Logger: log.Discard()})
	j, err := reg.NewJob(ctx, jcr.Spec{ID: 77, Name: "Catalog", Type: jcr.TypeBackup, Level: jcr.LevelFull}, nil)
	require.NoError(t, err)
	j.Start()
	j.SetStatus(jcr.StatusTerminated)
	require.NoError(t, reg.Release(j))

	s, err := c.Lookup(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, jcr.StatusTerminated, s.Status)
	assert.Equal(t, j.Job(), s.Job)
	assert.Equal(t, int32(1), s.NumJobs)
}
