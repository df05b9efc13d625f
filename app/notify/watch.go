package notify

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/taskwatch/app/tracker"
)

// TaskSource is the part of tracker.Tracker used to follow task outcomes
type TaskSource interface {
	OnChange(fn func(c tracker.Change)) (off func())
	Task(id int) (tracker.Task, bool)
}

type taskChange struct {
	task    tracker.Task
	removed bool
}

type outcome int

const (
	outcomeRunning outcome = iota
	outcomeCompleted
	outcomeFailed
)

func outcomeOf(t tracker.Task) outcome {
	switch {
	case t.Error:
		return outcomeFailed
	case t.HasProgress && t.Progress >= 1:
		return outcomeCompleted
	}
	return outcomeRunning
}

// Watch subscribes to task changes. Snapshots of changed tasks are queued for Run,
// queue overflow drops the change with a warning. Returned function unsubscribes.
func (s *Service) Watch(src TaskSource) (off func()) {
	if s.changes == nil {
		s.changes = make(chan taskChange, 1000)
	}
	return src.OnChange(func(c tracker.Change) {
		if c.Kind != tracker.ChangeProgress && c.Kind != tracker.ChangeResult && c.Kind != tracker.ChangeRemoved {
			return
		}
		task, ok := src.Task(c.ID)
		if !ok {
			task = tracker.Task{ID: c.ID}
		}
		select {
		case s.changes <- taskChange{task: task, removed: !ok}:
		default:
			log.Printf("[WARN] notification queue full, dropping change of task %d", c.ID)
		}
	})
}

// Run sends a notification on every transition of a task from running to completed or failed.
// A task going back to running, e.g. error flag cleared by a later update, may notify again.
// Blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.changes == nil {
		return fmt.Errorf("notifier is not watching any tracker")
	}
	last := map[int]outcome{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch := <-s.changes:
			task := ch.task
			if ch.removed {
				delete(last, task.ID)
				continue
			}
			prev, cur := last[task.ID], outcomeOf(task)
			last[task.ID] = cur
			if prev == cur || cur == outcomeRunning {
				continue
			}
			if err := s.notifyOutcome(ctx, task, cur); err != nil {
				log.Printf("[WARN] failed to notify about task %d, %v", task.ID, err)
			}
		}
	}
}

func (s *Service) notifyOutcome(ctx context.Context, task tracker.Task, res outcome) error {
	var subj, text string
	var err error
	switch {
	case res == outcomeFailed && s.IsOnError():
		subj = fmt.Sprintf("task %q failed", task.Label)
		text, err = s.MakeErrorHTML(task)
	case res == outcomeCompleted && s.IsOnCompletion():
		subj = fmt.Sprintf("task %q completed", task.Label)
		text, err = s.MakeCompletionHTML(task)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("can't make message: %w", err)
	}
	if s.HostName != "" {
		subj += " on " + s.HostName
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	log.Printf("[DEBUG] sending %q", subj)
	return s.Send(ctxTimeout, subj, text)
}
