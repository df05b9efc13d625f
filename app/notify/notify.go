// Package notify sends task outcome notifications via email and webhooks
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/syncs"
	"github.com/sony/gobreaker"

	"github.com/umputun/taskwatch/app/tracker"
)

// Service sends notifications to all configured destinations
type Service struct {
	Params
	destinations []notify.Notifier
	webhookURLs  []string
	fromEmail    string
	toEmail      []string

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker // destination key -> breaker

	changes chan taskChange
}

// Params defines what and how to notify
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // file with html template, built-in used if empty or invalid
	CompletionTemplate string
	MaxLogLines        int // last log lines included into the message, all if 0
	HostName           string
	Concurrency        int // parallel sends, 4 if not set
}

// SendersParams defines destinations
type SendersParams struct {
	notify.SMTPParams
	FromEmail      string
	ToEmails       []string
	WebhookURLs    []string
	WebhookTimeout time.Duration
	WebhookHeaders []string // "Name:value" pairs
}

// NewService makes notification service. Returns nil if no destinations configured.
func NewService(params Params, sp SendersParams) *Service {
	res := &Service{Params: params, fromEmail: sp.FromEmail, toEmail: sp.ToEmails, webhookURLs: sp.WebhookURLs}
	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(sp.SMTPParams))
	}
	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations,
			notify.NewWebhook(notify.WebhookParams{Timeout: sp.WebhookTimeout, Headers: sp.WebhookHeaders}))
	}
	if len(res.destinations) == 0 {
		return nil
	}
	return res
}

// Send subject and text to all destinations concurrently. Destination failing repeatedly is
// skipped by its circuit breaker for a while. Returns all errors joined.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex
	var errs []error
	gr := syncs.NewSizedGroup(concurrency)
	for _, dest := range s.destinations {
		for _, addr := range s.addresses(dest, subj) {
			gr.Go(func(context.Context) {
				_, err := s.breaker(dest, addr).Execute(func() (any, error) {
					return nil, dest.Send(ctx, addr, text)
				})
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
		}
	}
	gr.Wait()
	return errors.Join(errs...)
}

// addresses returns destination strings served by the notifier
func (s *Service) addresses(dest notify.Notifier, subj string) []string {
	if dest.Schema() == "mailto" {
		return []string{fmt.Sprintf("mailto:%s?from=%s&subject=%s",
			strings.Join(s.toEmail, ","), s.fromEmail, url.QueryEscape(subj))}
	}
	return s.webhookURLs
}

func (s *Service) breaker(dest notify.Notifier, addr string) *gobreaker.CircuitBreaker {
	key := addr
	if dest.Schema() == "mailto" {
		key = "mailto" // address changes with subject
	}

	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	if s.breakers == nil {
		s.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[WARN] notification destination %s, circuit %s -> %s", name, from, to)
		},
	})
	s.breakers[key] = cb
	return cb
}

// IsOnError status enabling on-error notification
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion status enabling on-completion notification
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// MakeErrorHTML creates html message about failed task
func (s *Service) MakeErrorHTML(task tracker.Task) (string, error) {
	return s.makeHTML(s.ErrorTemplate, defaultErrorTemplate, task)
}

// MakeCompletionHTML creates html message about completed task
func (s *Service) MakeCompletionHTML(task tracker.Task) (string, error) {
	return s.makeHTML(s.CompletionTemplate, defaultCompletionTemplate, task)
}

func (s *Service) makeHTML(file, fallback string, task tracker.Task) (string, error) {
	tmpl := s.loadTemplate(file, fallback)
	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}

	logs := task.Logs
	if s.MaxLogLines > 0 && len(logs) > s.MaxLogLines {
		logs = logs[len(logs)-s.MaxLogLines:]
	}
	data := struct {
		Task tracker.Task
		Logs []tracker.LogLine
		TS   time.Time
		Host string
	}{Task: task, Logs: logs, TS: time.Now(), Host: s.HostName}

	buf := bytes.Buffer{}
	if err = t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

// loadTemplate reads template file, invalid or missing file reported and replaced by fallback
func (s *Service) loadTemplate(file, fallback string) string {
	if file == "" {
		return fallback
	}
	data, err := os.ReadFile(file) //nolint:gosec // file from cli options
	if err != nil {
		log.Printf("[WARN] can't read template %s, using default: %v", file, err)
		return fallback
	}
	if _, err := template.New("check").Parse(string(data)); err != nil {
		log.Printf("[WARN] can't parse template %s, using default: %v", file, err)
		return fallback
	}
	return string(data)
}

const htmlHeader = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>
`

const defaultErrorTemplate = htmlHeader + `
	<body>
		<p>Task failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Task: <span class="bold">{{.Task.Label}}</span></li>
			<li>ID: <span class="bold">{{.Task.ID}}</span></li>
			<li>Status: <span class="bold">{{.Task.Status}}</span></li>
		</ul>
		<pre>
{{range .Logs}}{{.Time}} [{{.Level}}] {{if .Sender}}{{.Sender}}: {{end}}{{.Message}}
{{end}}
		</pre>
	</body>
</html>
`

const defaultCompletionTemplate = htmlHeader + `
	<body>
		<p>Task completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Task: <span class="bold">{{.Task.Label}}</span></li>
			<li>ID: <span class="bold">{{.Task.ID}}</span></li>
			<li>Status: <span class="bold">{{.Task.Status}}</span></li>
		</ul>
	</body>
</html>
`
