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

import "fmt"

// Type is the single-letter job type code.
type Type byte

const (
	TypeBackup  Type = 'B'
	TypeVerify  Type = 'V'
	TypeRestore Type = 'R'
	TypeConsole Type = 'C'
	TypeAdmin   Type = 'D'
	TypeArchive Type = 'A'
)

func (t Type) String() string {
	switch t {
	case TypeBackup:
		return "Backup"
	case TypeVerify:
		return "Verify"
	case TypeRestore:
		return "Restore"
	case TypeConsole:
		return "Console"
	case TypeAdmin:
		return "Admin"
	case TypeArchive:
		return "Archive"
	}
	return fmt.Sprintf("Unknown type %d", byte(t))
}

// KeepsHistory reports whether terminated jobs of this type are recorded
// in the history ring.
func (t Type) KeepsHistory() bool {
	return t == TypeBackup || t == TypeVerify || t == TypeRestore
}

// Level is the single-letter job level code.
type Level byte

const (
	LevelNone                  Level = ' '
	LevelFull                  Level = 'F'
	LevelIncremental           Level = 'I'
	LevelDifferential          Level = 'D'
	LevelSince                 Level = 'S'
	LevelVerifyCatalog         Level = 'C'
	LevelVerifyInit            Level = 'V'
	LevelVerifyVolumeToCatalog Level = 'O'
	LevelVerifyDiskToCatalog   Level = 'd'
	LevelVerifyData            Level = 'A'
	LevelBase                  Level = 'B'
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "Full"
	case LevelIncremental:
		return "Incremental"
	case LevelDifferential:
		return "Differential"
	case LevelSince:
		return "Since"
	case LevelVerifyCatalog:
		return "Verify Catalog"
	case LevelVerifyInit:
		return "Verify Init Catalog"
	case LevelVerifyVolumeToCatalog:
		return "Verify Volume to Catalog"
	case LevelVerifyDiskToCatalog:
		return "Verify Disk to Catalog"
	case LevelVerifyData:
		return "Verify Data"
	case LevelBase:
		return "Base"
	case LevelNone, 0:
		return " "
	}
	return fmt.Sprintf("Unknown level %d", byte(l))
}

// Status is the single-letter job status code.
type Status byte

const (
	StatusCreated         Status = 'C'
	StatusRunning         Status = 'R'
	StatusBlocked         Status = 'B'
	StatusTerminated      Status = 'T'
	StatusErrorTerminated Status = 'E'
	StatusError           Status = 'e'
	StatusFatalError      Status = 'f'
	StatusDifferences     Status = 'D'
	StatusCanceled        Status = 'A'
	StatusWaitFD          Status = 'F'
	StatusWaitSD          Status = 'S'
	StatusWaitMedia       Status = 'm'
	StatusWaitMount       Status = 'M'
	StatusWaitStoreRes    Status = 's'
	StatusWaitJobRes      Status = 'j'
	StatusWaitClientRes   Status = 'c'
	StatusWaitMaxJobs     Status = 'd'
	StatusWaitStartTime   Status = 't'
)

// String returns the short form used in job reports.
func (s Status) String() string {
	switch s {
	case StatusTerminated:
		return "OK"
	case StatusErrorTerminated, StatusError:
		return "Error"
	case StatusFatalError:
		return "Fatal Error"
	case StatusCanceled:
		return "Cancelled"
	case StatusDifferences:
		return "Differences"
	}
	return fmt.Sprintf("Unknown term code %q", byte(s))
}

// Describe returns the long form used by the status command.
func (s Status) Describe() string {
	switch s {
	case StatusCreated:
		return "is waiting execution"
	case StatusRunning:
		return "is running"
	case StatusBlocked:
		return "is blocked"
	case StatusTerminated:
		return "has terminated"
	case StatusErrorTerminated:
		return "has erred"
	case StatusError:
		return "has errors"
	case StatusFatalError:
		return "has a fatal error"
	case StatusDifferences:
		return "has verify differences"
	case StatusCanceled:
		return "has been canceled"
	case StatusWaitFD:
		return "is waiting on File daemon"
	case StatusWaitSD:
		return "is waiting on the Storage daemon"
	case StatusWaitMedia:
		return "is waiting for new media"
	case StatusWaitMount:
		return "is waiting for a mount"
	case StatusWaitStoreRes:
		return "is waiting on Storage resource"
	case StatusWaitJobRes:
		return "is waiting on Job resource"
	case StatusWaitClientRes:
		return "is waiting on Client resource"
	case StatusWaitMaxJobs:
		return "is waiting on maximum jobs"
	case StatusWaitStartTime:
		return "is waiting on start time"
	}
	return fmt.Sprintf("is in unknown state %q", byte(s))
}

// IsTerminated reports whether s is a final status.
func (s Status) IsTerminated() bool {
	switch s {
	case StatusTerminated, StatusErrorTerminated, StatusFatalError,
		StatusDifferences, StatusCanceled:
		return true
	}
	return false
}

// IsErrorStatus reports whether s latches: once a job holds one of these,
// updates to a status of equal or lower priority are ignored.
func (s Status) IsErrorStatus() bool {
	return s.priority() > 0
}

// IsCanceled reports whether a job with this status should stop work.
func (s Status) IsCanceled() bool {
	return s == StatusCanceled || s == StatusErrorTerminated || s == StatusFatalError
}

func (s Status) priority() int {
	switch s {
	case StatusErrorTerminated, StatusFatalError, StatusCanceled:
		return 10
	case StatusError, StatusDifferences:
		return 5
	}
	return 0
}
