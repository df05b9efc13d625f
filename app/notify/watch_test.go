package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/taskwatch/app/event"
	"github.com/umputun/taskwatch/app/notify/mocks"
	"github.com/umputun/taskwatch/app/tracker"
)

func TestService_Run(t *testing.T) {
	mailer := &mocks.NotifierMock{
		SendFunc:   func(context.Context, string, string) error { return nil },
		SchemaFunc: func() string { return "mailto" },
	}
	s := &Service{
		Params:       Params{EnabledError: true, EnabledCompletion: true, HostName: "box1"},
		destinations: []notify.Notifier{mailer},
		fromEmail:    "from@example.com",
		toEmail:      []string{"to@example.com"},
	}

	tr := tracker.New(tracker.WithLogger(lgr.NoOp))
	off := s.Watch(tr)
	defer off()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	id := tr.Create("Build")
	tr.ApplyBatch([][]byte{
		encode(id, &event.ProgressUpdate{Progress: 0.5, Description: "Compiling"}),
		encode(id, &event.LogMessage{Message: "compiled"}),
		encode(id, &event.Result{Success: true}),
		encode(id, &event.Result{Success: true}), // same outcome again
	})
	require.Eventually(t, func() bool { return len(mailer.SendCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, mailer.SendCalls()[0].Destination, "subject=task+%22Build%22+completed+on+box1")
	assert.Contains(t, mailer.SendCalls()[0].Text, "Task completed on")

	tr.ApplyBatch([][]byte{encode(id, &event.Result{Success: false})})
	require.Eventually(t, func() bool { return len(mailer.SendCalls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, mailer.SendCalls()[1].Destination, "subject=task+%22Build%22+failed")
	assert.Contains(t, mailer.SendCalls()[1].Text, "compiled")

	// error cleared and set again is a new failure
	tr.ApplyBatch([][]byte{
		encode(id, &event.ProgressUpdate{Progress: 0.5}),
		encode(id, &event.ProgressUpdate{Progress: -1, Error: true}),
	})
	require.Eventually(t, func() bool { return len(mailer.SendCalls()) == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("notifier not stopped")
	}
	assert.Len(t, mailer.SendCalls(), 3)
}

func TestService_RunOnlyErrors(t *testing.T) {
	hook := &mocks.NotifierMock{
		SendFunc:   func(context.Context, string, string) error { return nil },
		SchemaFunc: func() string { return "http" },
	}
	s := &Service{
		Params:       Params{EnabledError: true},
		destinations: []notify.Notifier{hook},
		webhookURLs:  []string{"https://example.com/hook"},
	}

	tr := tracker.New(tracker.WithLogger(lgr.NoOp))
	defer s.Watch(tr)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	ok := tr.Create("fine")
	bad := tr.Create("broken")
	tr.ApplyBatch([][]byte{
		encode(ok, &event.Result{Success: true}),
		encode(bad, &event.Result{Success: false}),
	})
	require.Eventually(t, func() bool { return len(hook.SendCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://example.com/hook", hook.SendCalls()[0].Destination)
	assert.True(t, strings.Contains(hook.SendCalls()[0].Text, "broken"))

	// removal forgets the outcome, nothing is sent
	tr.Remove(bad)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hook.SendCalls(), 1)
}

func TestService_RunNotWatching(t *testing.T) {
	s := &Service{}
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not watching")
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, outcomeRunning, outcomeOf(tracker.Task{}))
	assert.Equal(t, outcomeRunning, outcomeOf(tracker.Task{HasProgress: true, Progress: 0.9}))
	assert.Equal(t, outcomeCompleted, outcomeOf(tracker.Task{HasProgress: true, Progress: 1}))
	assert.Equal(t, outcomeFailed, outcomeOf(tracker.Task{HasProgress: true, Progress: 1, Error: true}))
}

func encode(id int, p event.Payload) []byte {
	return event.Encode(event.Event{Ref: uint32(id), Payload: p}) //nolint:gosec // small ids
}
