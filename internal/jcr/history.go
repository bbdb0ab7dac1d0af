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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultHistoryCapacity is the number of terminated jobs kept.
const DefaultHistoryCapacity = 10

// ErrCorruptHistory is returned when a persisted ring declares more
// records than can be valid for the requested capacity.
var ErrCorruptHistory = errors.New("job history is corrupt")

// Summary describes a terminated job.
type Summary struct {
	NumJobs        int32
	Type           Type
	Level          Level
	Status         Status
	JobID          uint32
	Job            string
	VolSessionID   uint32
	VolSessionTime uint32
	JobFiles       uint32
	JobBytes       uint64
	StartTime      time.Time
	EndTime        time.Time
}

// History is a fixed-capacity FIFO of terminated job summaries.
type History struct {
	mu       sync.Mutex
	capacity int
	entries  []Summary
	numJobs  int32
}

// NewHistory creates an empty ring. A non-positive capacity selects
// DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity}
}

// Capacity returns the ring size.
func (h *History) Capacity() int { return h.capacity }

// Append stores s, evicting the oldest entry if the ring is full. The
// stored copy carries the daemon's running job count.
func (h *History) Append(s Summary) Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.numJobs++
	s.NumJobs = h.numJobs
	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, s)
	return s
}

// Entries returns the summaries, oldest first.
func (h *History) Entries() []Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Summary, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of stored summaries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Last returns the most recent summary.
func (h *History) Last() (Summary, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return Summary{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// record is the on-disk layout of one Summary.
type record struct {
	NumJobs        int32
	JobType        int32
	JobStatus      int32
	JobLevel       int32
	JobID          uint32
	VolSessionID   uint32
	VolSessionTime uint32
	JobFiles       uint32
	JobBytes       uint64
	StartTime      int64
	EndTime        int64
	Job            [MaxNameLength]byte
}

// RecordSize is the encoded size of one history record.
var RecordSize = binary.Size(record{})

func toRecord(s Summary) record {
	r := record{
		NumJobs:        s.NumJobs,
		JobType:        int32(s.Type),
		JobStatus:      int32(s.Status),
		JobLevel:       int32(s.Level),
		JobID:          s.JobID,
		VolSessionID:   s.VolSessionID,
		VolSessionTime: s.VolSessionTime,
		JobFiles:       s.JobFiles,
		JobBytes:       s.JobBytes,
	}
	if !s.StartTime.IsZero() {
		r.StartTime = s.StartTime.Unix()
	}
	if !s.EndTime.IsZero() {
		r.EndTime = s.EndTime.Unix()
	}
	copy(r.Job[:MaxNameLength-1], s.Job)
	return r
}

func fromRecord(r record) Summary {
	s := Summary{
		NumJobs:        r.NumJobs,
		Type:           Type(r.JobType),
		Status:         Status(r.JobStatus),
		Level:          Level(r.JobLevel),
		JobID:          r.JobID,
		VolSessionID:   r.VolSessionID,
		VolSessionTime: r.VolSessionTime,
		JobFiles:       r.JobFiles,
		JobBytes:       r.JobBytes,
	}
	if r.StartTime != 0 {
		s.StartTime = time.Unix(r.StartTime, 0)
	}
	if r.EndTime != 0 {
		s.EndTime = time.Unix(r.EndTime, 0)
	}
	if i := bytes.IndexByte(r.Job[:], 0); i >= 0 {
		s.Job = string(r.Job[:i])
	} else {
		s.Job = string(r.Job[:])
	}
	return s
}

// WriteAt encodes the ring at offset off: a uint32 count followed by that
// many fixed-size records, oldest first. It returns the bytes written.
func (h *History) WriteAt(w io.WriterAt, off int64) (int64, error) {
	entries := h.Entries()

	var buf bytes.Buffer
	buf.Grow(4 + len(entries)*RecordSize)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(entries))); err != nil {
		return 0, err
	}
	for _, s := range entries {
		if err := binary.Write(&buf, binary.LittleEndian, toRecord(s)); err != nil {
			return 0, err
		}
	}
	n, err := w.WriteAt(buf.Bytes(), off)
	if err != nil {
		return int64(n), fmt.Errorf("writing job history: %w", err)
	}
	return int64(n), nil
}

// ReadHistoryAt decodes a ring written by WriteAt. A declared count above
// four times capacity is rejected with ErrCorruptHistory before any record
// is read. When the file holds more records than capacity, the newest are
// kept.
func ReadHistoryAt(r io.ReaderAt, off int64, capacity int) (*History, error) {
	h := NewHistory(capacity)

	var hdr [4]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return nil, fmt.Errorf("reading job history count: %w", err)
	}
	count := binary.LittleEndian.Uint32(hdr[:])
	if count > uint32(4*h.capacity) {
		return nil, fmt.Errorf("%w: count %d exceeds limit %d", ErrCorruptHistory, count, 4*h.capacity)
	}

	sr := io.NewSectionReader(r, off+4, int64(count)*int64(RecordSize))
	for i := uint32(0); i < count; i++ {
		var rec record
		if err := binary.Read(sr, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("reading job history record %d: %w", i, err)
		}
		s := fromRecord(rec)
		h.mu.Lock()
		if len(h.entries) == h.capacity {
			copy(h.entries, h.entries[1:])
			h.entries = h.entries[:len(h.entries)-1]
		}
		h.entries = append(h.entries, s)
		if s.NumJobs > h.numJobs {
			h.numJobs = s.NumJobs
		}
		h.mu.Unlock()
	}
	return h, nil
}
