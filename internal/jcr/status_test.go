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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
)

func TestStatusLatch(t *testing.T) {
	tests := []struct {
		name  string
		steps []Status
		want  Status
	}{
		{"plain progression", []Status{StatusRunning, StatusTerminated}, StatusTerminated},
		{"error ignores running", []Status{StatusError, StatusRunning}, StatusError},
		{"error ignores terminated", []Status{StatusError, StatusTerminated}, StatusError},
		{"error escalates to fatal", []Status{StatusError, StatusFatalError}, StatusFatalError},
		{"fatal ignores error", []Status{StatusFatalError, StatusError}, StatusFatalError},
		{"canceled ignores fatal", []Status{StatusCanceled, StatusFatalError}, StatusCanceled},
		{"differences ignores running", []Status{StatusDifferences, StatusRunning}, StatusDifferences},
		{"differences escalates", []Status{StatusDifferences, StatusErrorTerminated}, StatusErrorTerminated},
		{"wait states overwrite", []Status{StatusWaitSD, StatusWaitMedia, StatusRunning}, StatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewJob(context.Background(), Spec{Name: "latch"}, nil)
			for _, s := range tt.steps {
				j.SetStatus(s)
			}
			assert.Equal(t, tt.want, j.Status())
		})
	}
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "OK", StatusTerminated.String())
	assert.Equal(t, "Error", StatusErrorTerminated.String())
	assert.Equal(t, "Error", StatusError.String())
	assert.Equal(t, "Fatal Error", StatusFatalError.String())
	assert.Equal(t, "Cancelled", StatusCanceled.String())
	assert.Equal(t, "Differences", StatusDifferences.String())
	assert.Contains(t, StatusRunning.String(), "Unknown term code")

	assert.Equal(t, "is running", StatusRunning.Describe())
	assert.Equal(t, "Backup", TypeBackup.String())
	assert.Equal(t, "Incremental", LevelIncremental.String())
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusTerminated.IsTerminated())
	assert.False(t, StatusRunning.IsTerminated())
	assert.False(t, StatusError.IsTerminated())

	for _, s := range []Status{StatusError, StatusFatalError, StatusCanceled, StatusDifferences, StatusErrorTerminated} {
		assert.True(t, s.IsErrorStatus(), "%c", s)
	}
	assert.False(t, StatusTerminated.IsErrorStatus())

	assert.True(t, StatusCanceled.IsCanceled())
	assert.True(t, StatusFatalError.IsCanceled())
	assert.False(t, StatusError.IsCanceled())
}

func TestCancelAbortsSockets(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sock := bsock.New(a, bsock.Options{Who: "Storage daemon"})
	j := NewJob(context.Background(), Spec{ID: 7, Name: "stuck", Type: TypeBackup}, nil)
	j.SetStoreSocket(sock)
	j.Start()

	recvErr := make(chan error, 1)
	go func() {
		_, err := sock.Recv()
		recvErr <- err
	}()

	j.Cancel()

	select {
	case err := <-recvErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked receive was not interrupted")
	}
	assert.True(t, sock.IsError())
	assert.Equal(t, StatusCanceled, j.Status())
	assert.True(t, j.IsCanceled())
	require.Error(t, j.Context().Err())

	j.SetStatus(StatusTerminated)
	assert.Equal(t, StatusCanceled, j.Status())
}

func TestDrainQueueGuardsRecursion(t *testing.T) {
	j := NewJob(context.Background(), Spec{Name: "q"}, nil)
	j.Enqueue(QueuedMessage{Type: 6, Text: "one"})
	j.Enqueue(QueuedMessage{Type: 6, Text: "two"})

	msgs, done, ok := j.DrainQueue()
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)

	_, _, again := j.DrainQueue()
	assert.False(t, again, "nested drain must be refused")

	done()
	msgs, done, ok = j.DrainQueue()
	require.True(t, ok)
	assert.Empty(t, msgs)
	done()
}
