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

package jcr

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{Logger: log.Discard()})
}

type closeCounter struct {
	mu    sync.Mutex
	calls int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

func TestDestroyedOnlyWhenReleasesBalanceAcquires(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		r := newRegistry(t)
		var destroyed int
		j, err := r.NewJob(context.Background(), Spec{ID: uint32(round + 1), Name: "Nightly", Type: TypeBackup},
			func(*Job) { destroyed++ })
		require.NoError(t, err)

		// the creation reference counts as one acquire
		outstanding := 1
		for step := 0; step < 20; step++ {
			if rng.Intn(2) == 0 {
				require.NoError(t, r.Acquire(j))
				outstanding++
			} else if outstanding > 1 {
				require.NoError(t, r.Release(j))
				outstanding--
			}
			assert.Zero(t, destroyed, "round %d step %d", round, step)
			assert.Equal(t, outstanding, r.UseCount(j))
		}
		for outstanding > 0 {
			require.NoError(t, r.Release(j))
			outstanding--
		}
		assert.Equal(t, 1, destroyed, "round %d", round)
		assert.Zero(t, r.Len())
	}
}

func TestReleasePastZeroIsReported(t *testing.T) {
	r := newRegistry(t)
	before := testutil.ToFloat64(invariantViolations)

	var destroyed int
	j, err := r.NewJob(context.Background(), Spec{ID: 1, Name: "Once", Type: TypeBackup}, func(*Job) { destroyed++ })
	require.NoError(t, err)
	require.NoError(t, r.Release(j))

	err = r.Release(j)
	var inv *bacerrors.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 1, destroyed, "second release must not destroy again")
	assert.Zero(t, r.UseCount(j))
	assert.Equal(t, before+1, testutil.ToFloat64(invariantViolations))
	assert.Equal(t, 1, r.History().Len(), "history must not be appended twice")

	assert.ErrorIs(t, r.Acquire(j), ErrJobDestroyed)
}

func TestDestroyOrder(t *testing.T) {
	r := newRegistry(t)
	msgs := &closeCounter{}

	var order []string
	j, err := r.NewJob(context.Background(), Spec{ID: 5, Name: "Order", Type: TypeRestore}, func(j *Job) {
		assert.Zero(t, msgs.calls, "daemon hook runs before messages are closed")
		order = append(order, "daemon")
	})
	require.NoError(t, err)
	j.SetMessages(msgs)
	j.PushOnEnd(func(*Job) { order = append(order, "first") })
	j.PushOnEnd(func(*Job) { order = append(order, "second") })

	require.NoError(t, r.Release(j))

	assert.Equal(t, []string{"first", "second", "daemon"}, order)
	assert.Equal(t, 1, msgs.calls)
	assert.Error(t, j.Context().Err(), "job context is cancelled on destroy")
	assert.Nil(t, r.LookupByID(5))
}

func TestCleanupPanicDoesNotStopDestroy(t *testing.T) {
	r := newRegistry(t)
	msgs := &closeCounter{}

	j, err := r.NewJob(context.Background(), Spec{ID: 9, Name: "Panicky", Type: TypeBackup}, nil)
	require.NoError(t, err)
	j.SetMessages(msgs)
	j.PushOnEnd(func(*Job) { panic("boom") })

	assert.NotPanics(t, func() { require.NoError(t, r.Release(j)) })
	assert.Equal(t, 1, msgs.calls)
}

func TestDestroyClosesDirectorSocket(t *testing.T) {
	r := newRegistry(t)
	a, b := net.Pipe()
	defer b.Close()

	sock := bsock.New(a, bsock.Options{Who: "Director"})
	j, err := r.NewJob(context.Background(), Spec{Name: "console", Type: TypeConsole}, nil)
	require.NoError(t, err)
	j.SetDirSocket(sock)

	require.NoError(t, r.Release(j))
	assert.True(t, sock.IsClosed())
}

func TestLookups(t *testing.T) {
	r := newRegistry(t)

	a, err := r.NewJob(context.Background(), Spec{ID: 1, Name: "NightlySave", Type: TypeBackup}, nil)
	require.NoError(t, err)
	b, err := r.NewJob(context.Background(), Spec{ID: 2, Name: "RestoreFiles", Type: TypeRestore}, nil)
	require.NoError(t, err)

	got := r.LookupByID(2)
	require.Same(t, b, got)
	assert.Equal(t, 2, r.UseCount(b))
	require.NoError(t, r.Release(got))

	got = r.LookupByName(a.Job())
	require.Same(t, a, got)
	require.NoError(t, r.Release(got))

	assert.Nil(t, r.LookupByName("NightlySave"), "exact match needs the unique name")

	got = r.LookupByPartialName("NightlySave")
	require.Same(t, a, got)
	require.NoError(t, r.Release(got))

	got = r.Lookup(func(j *Job) bool { return j.Type() == TypeRestore })
	require.Same(t, b, got)
	assert.Equal(t, 2, r.UseCount(b))
	require.NoError(t, r.Release(got))
	assert.Nil(t, r.Lookup(func(j *Job) bool { return j.Type() == TypeVerify }))

	assert.Nil(t, r.LookupByPartialName(""))
	assert.Nil(t, r.LookupByID(99))
	assert.Equal(t, 1, r.UseCount(a))
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := newRegistry(t)

	_, err := r.NewJob(context.Background(), Spec{ID: 3, Name: "A"}, nil)
	require.NoError(t, err)
	_, err = r.NewJob(context.Background(), Spec{ID: 3, Name: "B"}, nil)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// console jobs all carry JobId 0
	_, err = r.NewJob(context.Background(), Spec{Name: "c1", Type: TypeConsole}, nil)
	require.NoError(t, err)
	_, err = r.NewJob(context.Background(), Spec{Name: "c2", Type: TypeConsole}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
}

func TestForEachAllowsReentry(t *testing.T) {
	r := newRegistry(t)
	for i := 1; i <= 3; i++ {
		_, err := r.NewJob(context.Background(), Spec{ID: uint32(i), Name: "job", Type: TypeBackup}, nil)
		require.NoError(t, err)
	}

	var seen []uint32
	r.ForEach(func(j *Job) bool {
		seen = append(seen, j.ID())
		// calling back into the registry must not deadlock
		found := r.LookupByID(j.ID())
		require.NotNil(t, found)
		require.NoError(t, r.Release(found))
		return j.ID() < 2
	})
	assert.Equal(t, []uint32{1, 2}, seen)

	r.ForEach(func(j *Job) bool {
		assert.Equal(t, 1, r.UseCount(j)-1)
		return true
	})
}

func TestForEachLockedUnderReadLock(t *testing.T) {
	r := newRegistry(t)
	_, err := r.NewJob(context.Background(), Spec{ID: 42, Name: "held"}, nil)
	require.NoError(t, err)

	l := r.ReadLocker()
	l.Lock()
	var ids []uint32
	r.ForEachLocked(func(j *Job) bool {
		ids = append(ids, j.ID())
		return true
	})
	found := r.LookupByIDLocked(42)
	l.Unlock()

	assert.Equal(t, []uint32{42}, ids)
	require.NotNil(t, found)
	assert.Equal(t, 1, r.UseCount(found))
}

func TestHistoryOnlyForDataJobs(t *testing.T) {
	var sunk []Summary
	r := New(Config{Logger: log.Discard(), OnHistory: func(s Summary) { sunk = append(sunk, s) }})

	for i, typ := range []Type{TypeBackup, TypeConsole, TypeVerify, TypeAdmin, TypeRestore} {
		j, err := r.NewJob(context.Background(), Spec{ID: uint32(i + 1), Name: "h", Type: typ}, nil)
		require.NoError(t, err)
		j.Start()
		j.SetStatus(StatusTerminated)
		require.NoError(t, r.Release(j))
	}

	entries := r.History().Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, TypeBackup, entries[0].Type)
	assert.Equal(t, TypeVerify, entries[1].Type)
	assert.Equal(t, TypeRestore, entries[2].Type)
	assert.Equal(t, int32(3), entries[2].NumJobs)
	assert.False(t, entries[0].EndTime.Before(entries[0].StartTime))
	assert.Len(t, sunk, 3)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	r := newRegistry(t)
	var destroyed int
	j, err := r.NewJob(context.Background(), Spec{ID: 1, Name: "busy", Type: TypeBackup}, func(*Job) { destroyed++ })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				if got := r.LookupByID(1); got != nil {
					_ = r.Release(got)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.UseCount(j))
	require.NoError(t, r.Release(j))
	assert.Equal(t, 1, destroyed)
}

func TestUniqueName(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	first := UniqueName("Backup", at)
	second := UniqueName("Backup", at)

	assert.True(t, strings.HasPrefix(first, "Backup.2025-03-04_05.06.07_"))
	assert.NotEqual(t, first, second)

	long := UniqueName(strings.Repeat("x", 200), at)
	assert.Len(t, long, MaxNameLength-1)
}
