package tracker

import (
	"strconv"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/umputun/taskwatch/app/event"
)

// Task is the reconstructed state of a single background job
type Task struct {
	ID            int
	Label         string
	Progress      float64 // fraction in [0,1], meaningful only if HasProgress set
	HasProgress   bool
	Status        string
	Error         bool
	Indeterminate bool
	Started       int64 // unix seconds, zero point for log timestamps
	Logs          []LogLine
}

// LogLine is a single line of task output. Immutable once appended.
type LogLine struct {
	Sender  string
	Level   event.LogLevel
	Message string
	Time    string // elapsed time since task start, MM:SS
}

// IsActive reports whether the task neither completed nor failed
func (t Task) IsActive() bool {
	return !t.Error && (!t.HasProgress || t.Progress < 1)
}

// apply mutates the task according to the event payload and reports what kind of change it was.
// There is no terminal state, events arriving after completion or failure applied as usual.
func (t *Task) apply(payload event.Payload) ChangeKind {
	switch p := payload.(type) {
	case *event.LogMessage:
		t.Logs = append(t.Logs, LogLine{Sender: p.Sender, Level: p.Level, Message: p.Message, Time: logTime(t.Started, p.Time)})
		return ChangeLog
	case *event.ProgressUpdate:
		if p.Progress >= 0 {
			t.Progress, t.HasProgress = float64(p.Progress), true
		}
		if p.Description != "" {
			t.Status = p.Description
		}
		// not sticky, a later update may clear both flags
		t.Error = p.Error
		t.Indeterminate = p.Indeterminate
		return ChangeProgress
	case *event.Result:
		t.Indeterminate = false
		if !p.Success {
			t.Error = true
			return ChangeResult
		}
		t.Progress, t.HasProgress = 1, true
		return ChangeResult
	}
	return ChangeNone
}

func (t *Task) clone() Task {
	res := *t
	res.Logs = make([]LogLine, len(t.Logs))
	copy(res.Logs, t.Logs)
	return res
}

// logTime formats time of the log line as MM:SS relative to the task start.
// Timestamps before the start are not clamped and give strings like "0-1:0-5".
func logTime(started int64, ts *timestamppb.Timestamp) string {
	if ts == nil {
		return "00:00"
	}

	d := ts.GetSeconds() - started
	minutes := d / 60
	if d < 0 && d%60 != 0 {
		minutes-- // floor, not truncation
	}
	seconds := d % 60
	return zeroPad(minutes) + ":" + zeroPad(seconds)
}

func zeroPad(v int64) string {
	if v < 10 {
		return "0" + strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10)
}
