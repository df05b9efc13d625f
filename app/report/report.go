// Package report makes periodic digest of tracked tasks, logged and optionally sent as a notification
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/umputun/taskwatch/app/tracker"
)

// Cron interface defines basic robfig/cron methods used by reporter
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// TaskLister returns snapshot of all tasks
type TaskLister interface {
	Tasks() []tracker.Task
}

// Sender delivers the digest
type Sender interface {
	Send(ctx context.Context, subj, text string) error
}

// HostInfo returns stats of the host, SystemHost implements it
type HostInfo interface {
	Stats(ctx context.Context) (HostStats, error)
}

// Reporter runs the digest on cron schedule
type Reporter struct {
	Cron
	Spec      string // standard cron spec or descriptor, like "0 9 * * *" or "@hourly"
	Tasks     TaskLister
	Sender    Sender   // optional, digest only logged if nil
	Host      HostInfo // optional, adds host stats to the digest
	SkipEmpty bool     // don't send digest if nothing is tracked
	HostName  string
}

// Summary is the aggregated state of tasks
type Summary struct {
	Total     int
	Active    int
	Completed int
	Failed    int
}

// String returns one line summary
func (s Summary) String() string {
	return fmt.Sprintf("total %d, active %d, completed %d, failed %d", s.Total, s.Active, s.Completed, s.Failed)
}

// Summarize counts tasks by state. Failed task is never counted as completed.
func Summarize(tasks []tracker.Task) Summary {
	res := Summary{Total: len(tasks)}
	for _, t := range tasks {
		switch {
		case t.Error:
			res.Failed++
		case t.IsActive():
			res.Active++
		default:
			res.Completed++
		}
	}
	return res
}

// Run schedules the digest and blocks until ctx is done
func (r *Reporter) Run(ctx context.Context) error {
	sched, err := cron.ParseStandard(r.Spec)
	if err != nil {
		return fmt.Errorf("can't parse report spec %q: %w", r.Spec, err)
	}
	id := r.Schedule(sched, cron.FuncJob(func() { r.report(ctx) }))
	log.Printf("[INFO] status report scheduled, first: %s (%v)", sched.Next(time.Now()).Format(time.RFC3339), id)

	r.Start()
	<-ctx.Done()
	log.Print("[DEBUG] report terminated")
	<-r.Stop().Done()
	return ctx.Err()
}

func (r *Reporter) report(ctx context.Context) {
	tasks := r.Tasks.Tasks()
	summary := Summarize(tasks)
	log.Printf("[INFO] tasks status: %s", summary)

	if r.Sender == nil || (r.SkipEmpty && summary.Total == 0) {
		return
	}
	subj := "taskwatch status: " + summary.String()
	if r.HostName != "" {
		subj += " on " + r.HostName
	}
	text := Text(tasks)
	if r.Host != nil {
		stats, err := r.Host.Stats(ctx)
		if err != nil {
			log.Printf("[WARN] can't get host stats, %v", err)
		} else {
			text += "\nhost: " + stats.String() + "\n"
		}
	}
	if err := r.Sender.Send(ctx, subj, text); err != nil {
		log.Printf("[WARN] failed to send status report, %v", err)
	}
}

// Text makes plain text digest, one line per task, newest first
func Text(tasks []tracker.Task) string {
	sb := strings.Builder{}
	sb.WriteString(Summarize(tasks).String() + "\n\n")
	for _, t := range tasks {
		state := "active"
		switch {
		case t.Error:
			state = "failed"
		case !t.IsActive():
			state = "completed"
		}
		progress := "?"
		if t.HasProgress {
			progress = fmt.Sprintf("%.0f%%", t.Progress*100)
		}
		fmt.Fprintf(&sb, "#%d %s - %s, %s, %s, %d log lines\n", t.ID, t.Label, state, progress, t.Status, len(t.Logs))
	}
	return sb.String()
}
