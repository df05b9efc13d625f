// Package tracker reconstructs state of remote background tasks from a stream of binary events.
// Tracker owns all tasks, applies incoming batches and notifies subscribers about new tasks and
// changes. All mutations are serialized by a single lock, a batch is applied as a whole and
// never interleaves with other batches or operations.
package tracker

import (
	"slices"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/taskwatch/app/event"
)

// Tracker keeps the ordered list of tasks and the id lookup. Thread safe.
type Tracker struct {
	mu     sync.Mutex
	nextID int
	tasks  []*Task // creation order, snapshots reverse it
	index  map[int]*Task
	active int // count of tasks with IsActive, maintained on every mutation

	onNew    listeners[int]
	onChange listeners[Change]

	now func() time.Time
	log lgr.L
}

// Source delivers batches of raw messages, each batch in arrival order.
// Subscribe returns a function to unregister the listener.
type Source interface {
	Subscribe(fn func(batch [][]byte)) (unsubscribe func())
}

// Option changes tracker defaults
type Option func(t *Tracker)

// WithLogger sets logger for diagnostics, lgr.Default() used if not set
func WithLogger(l lgr.L) Option {
	return func(t *Tracker) { t.log = l }
}

// WithClock sets time source used for task start time
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New makes empty tracker
func New(opts ...Option) *Tracker {
	res := &Tracker{index: make(map[int]*Task), now: time.Now, log: lgr.Default()}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// Create adds a new task and returns its id. Ids start from 1 and never reused.
// New task listeners called synchronously before Create returns.
func (t *Tracker) Create(label string) int {
	t.mu.Lock()
	t.nextID++
	task := &Task{
		ID:            t.nextID,
		Label:         label,
		Status:        "Initialising",
		Indeterminate: true,
		Started:       t.now().Unix(),
	}
	t.tasks = append(t.tasks, task)
	t.index[task.ID] = task
	t.active++
	t.mu.Unlock()

	t.log.Logf("[DEBUG] task %d %q created", task.ID, label)
	t.onNew.emit(task.ID)
	t.onChange.emit(Change{ID: task.ID, Kind: ChangeNew})
	return task.ID
}

// ApplyBatch decodes and applies messages in order. Malformed message aborts the rest of the batch,
// message addressed to unknown task is dropped and the batch goes on. Nothing is returned
// as an error, problems are logged. Returns the number of applied events.
func (t *Tracker) ApplyBatch(batch [][]byte) (applied int) {
	changes := make([]Change, 0, len(batch))

	t.mu.Lock()
	for i, msg := range batch {
		ev, err := event.Decode(msg)
		if err != nil {
			t.log.Logf("[WARN] batch aborted at message %d of %d, %v", i+1, len(batch), err)
			break
		}

		task, ok := t.index[int(ev.Ref)]
		if !ok {
			t.log.Logf("[WARN] got update for missing task %d", ev.Ref)
			continue
		}

		wasActive := task.IsActive()
		kind := task.apply(ev.Payload)
		if kind == ChangeNone {
			t.log.Logf("[DEBUG] empty event for task %d ignored", ev.Ref)
			continue
		}
		t.active += activeDelta(wasActive, task.IsActive())
		changes = append(changes, Change{ID: task.ID, Kind: kind})
		applied++
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.onChange.emit(c)
	}
	return applied
}

// Remove deletes task from the tracker. Unknown id is logged and ignored.
// Returns true if the task was removed.
func (t *Tracker) Remove(id int) bool {
	t.mu.Lock()
	task, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		t.log.Logf("[WARN] task with id %d not found in the current task list", id)
		return false
	}
	delete(t.index, id)
	t.tasks = slices.DeleteFunc(t.tasks, func(tk *Task) bool { return tk.ID == id })
	if task.IsActive() {
		t.active--
	}
	t.mu.Unlock()

	t.log.Logf("[DEBUG] task %d %q removed", id, task.Label)
	t.onChange.emit(Change{ID: id, Kind: ChangeRemoved})
	return true
}

// Active returns the number of tasks neither completed nor failed
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Len returns the number of tasks
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Tasks returns a snapshot of all tasks, the most recently created first
func (t *Tracker) Tasks() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]Task, 0, len(t.tasks))
	for i := len(t.tasks) - 1; i >= 0; i-- {
		res = append(res, t.tasks[i].clone())
	}
	return res
}

// Task returns a snapshot of a single task
func (t *Tracker) Task(id int) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.index[id]
	if !ok {
		return Task{}, false
	}
	return task.clone(), true
}

// Logs returns a copy of task's log lines in arrival order
func (t *Tracker) Logs(id int) ([]LogLine, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(task.Logs), true
}

// OnNew registers listener called with id of every created task. Listeners called synchronously
// in registration order. Returned function unregisters the listener.
func (t *Tracker) OnNew(fn func(id int)) (off func()) {
	return t.onNew.add(fn)
}

// OnChange registers listener called on every change, including task creation and removal.
// Listeners called synchronously, after the tracker lock released, so they may query the tracker.
func (t *Tracker) OnChange(fn func(c Change)) (off func()) {
	return t.onChange.add(fn)
}

// Listen subscribes tracker to batches delivered by src. Returned function unsubscribes.
func (t *Tracker) Listen(src Source) (stop func()) {
	return src.Subscribe(func(batch [][]byte) {
		applied := t.ApplyBatch(batch)
		t.log.Logf("[DEBUG] batch of %d messages, %d applied", len(batch), applied)
	})
}

func activeDelta(was, is bool) int {
	switch {
	case was && !is:
		return -1
	case !was && is:
		return 1
	}
	return 0
}
