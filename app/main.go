package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	gonotify "github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/go-pkgz/syncs"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/taskwatch/app/notify"
	"github.com/umputun/taskwatch/app/preset"
	"github.com/umputun/taskwatch/app/report"
	"github.com/umputun/taskwatch/app/tracker"
	"github.com/umputun/taskwatch/app/transport"
	"github.com/umputun/taskwatch/app/web"
)

var opts struct {
	Listen      string        `short:"l" long:"listen" env:"TASKWATCH_LISTEN" default:"127.0.0.1:8080" description:"status api listen address, disabled if empty"`
	WSURL       string        `short:"w" long:"ws-url" env:"TASKWATCH_WS_URL" description:"websocket endpoint streaming event batches"`
	WSReconnect time.Duration `long:"ws-reconnect" env:"TASKWATCH_WS_RECONNECT" default:"5s" description:"pause before reconnecting lost websocket"`
	Preset      string        `short:"p" long:"preset" env:"TASKWATCH_PRESET" description:"preset file with tasks created at startup"`
	Report      string        `long:"report" env:"TASKWATCH_REPORT" description:"status report cron spec, like \"@hourly\", disabled if empty"`
	ReportDisk  string        `long:"report-disk" env:"TASKWATCH_REPORT_DISK" default:"/" description:"disk path for free space in status report"`
	WriteLimit  float64       `long:"write-limit" env:"TASKWATCH_WRITE_LIMIT" default:"10" description:"max task create/delete api requests per second"`
	Dbg         bool          `long:"dbg" env:"TASKWATCH_DEBUG" description:"debug mode"`

	Redis struct {
		URL     string `long:"url" env:"URL" description:"redis url, like redis://localhost:6379/0, disabled if empty"`
		Channel string `long:"channel" env:"CHANNEL" default:"taskwatch:events" description:"redis pub/sub channel with batch frames"`
		Mode    string `long:"mode" env:"MODE" choice:"subscribe" choice:"relay" default:"subscribe" description:"subscribe to the channel or relay websocket batches to it"`
	} `group:"redis" namespace:"redis" env-namespace:"TASKWATCH_REDIS"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"5" description:"how many times to repeat failed connection"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"2" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"TASKWATCH_REPEATER"`

	Notify struct {
		EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed tasks"`
		EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable notifications on completed tasks"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut        time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails           []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks           []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		WebhookTimeout     time.Duration `long:"webhook-timeout" env:"WEBHOOK_TIMEOUT" default:"10s" description:"webhook request timeout"`
		WebhookHeaders     []string      `long:"webhook-header" env:"WEBHOOK_HEADER" description:"webhook header(s), as name:value" env-delim:","`
		MaxLogLines        int           `long:"max-log" env:"MAX_LOG" default:"100" description:"max number of task log lines in notification"`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"error message template file"`
		CompletionTemplate string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion message template file"`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running taskwatch"`
	} `group:"notify" namespace:"notify" env-namespace:"TASKWATCH_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"file name to write log to, stdout if empty"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep rotated log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"TASKWATCH_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("taskwatch %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run wires tracker with transports and adapters and blocks until ctx is done or any of them fails
func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := tracker.New(tracker.WithLogger(log.Default()))
	if opts.Preset != "" {
		cfg, err := preset.Load(opts.Preset)
		if err != nil {
			return fmt.Errorf("failed to load preset: %w", err)
		}
		ids := cfg.Apply(tr)
		log.Printf("[INFO] %d preset tasks created from %s, ids %v", len(ids), opts.Preset, ids)
	}

	hub := &transport.Hub{}
	stopListen := tr.Listen(hub)
	defer stopListen()

	var runners []func(ctx context.Context) error

	if opts.Listen != "" {
		srv, err := web.New(web.Config{Tracker: tr, Version: revision, WriteLimit: opts.WriteLimit})
		if err != nil {
			return fmt.Errorf("failed to make web server: %w", err)
		}
		runners = append(runners, func(ctx context.Context) error { return srv.Run(ctx, opts.Listen) })
	}

	hasSource := false
	if opts.WSURL != "" {
		ws := &transport.WSClient{URL: opts.WSURL, Hub: hub, Repeater: makeRepeater(), ReconnectDelay: opts.WSReconnect}
		runners = append(runners, ws.Run)
		hasSource = true
	}

	if opts.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(opts.Redis.URL)
		if err != nil {
			return fmt.Errorf("bad redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()

		switch opts.Redis.Mode {
		case "relay":
			pub := &transport.RedisPublisher{Client: client, Channel: opts.Redis.Channel}
			unsubscribe := hub.Subscribe(pub.Relay(ctx))
			defer unsubscribe()
			log.Printf("[INFO] relay batches to redis channel %s", opts.Redis.Channel)
		default:
			sub := &transport.RedisSubscriber{Client: client, Channel: opts.Redis.Channel, Hub: hub, Repeater: makeRepeater()}
			runners = append(runners, sub.Run)
			hasSource = true
		}
	}
	if !hasSource {
		log.Printf("[WARN] no event source configured, tasks will not be updated")
	}

	notifier := makeNotifier()
	if notifier != nil {
		stopWatch := notifier.Watch(tr)
		defer stopWatch()
		runners = append(runners, notifier.Run)
	}

	if opts.Report != "" {
		rep := &report.Reporter{Cron: cron.New(), Spec: opts.Report, Tasks: tr, HostName: makeHostName(), SkipEmpty: true,
			Host: report.SystemHost{DiskPath: opts.ReportDisk}}
		if notifier != nil {
			rep.Sender = notifier
		}
		runners = append(runners, rep.Run)
	}

	return runAll(ctx, cancel, runners)
}

// runAll runs all runners concurrently. The first failure cancels the rest and is returned.
// Runners stopped by cancellation are not failures.
func runAll(ctx context.Context, cancel context.CancelFunc, runners []func(ctx context.Context) error) error {
	if len(runners) == 0 {
		log.Printf("[WARN] nothing to run, waiting for termination")
		<-ctx.Done()
		return nil
	}

	var once sync.Once
	var firstErr error

	gr := syncs.NewSizedGroup(len(runners) + 1)
	for _, r := range runners {
		gr.Go(func(context.Context) {
			if err := r(ctx); err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() { firstErr = err })
				cancel()
			}
		})
	}
	gr.Wait()
	return firstErr
}

func makeRepeater() transport.Repeater {
	return repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "taskwatch@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledError:       opts.Notify.EnabledError,
			EnabledCompletion:  opts.Notify.EnabledCompletion,
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletionTemplate,
			MaxLogLines:        opts.Notify.MaxLogLines,
			HostName:           makeHostName(),
		},
		notify.SendersParams{
			SMTPParams: gonotify.SMTPParams{
				Host:        opts.Notify.SMTPHost,
				Port:        opts.Notify.SMTPPort,
				TLS:         opts.Notify.SMTPTLS,
				ContentType: "text/html",
				Charset:     "UTF-8",
				Username:    opts.Notify.SMTPUsername,
				Password:    opts.Notify.SMTPPassword,
				TimeOut:     opts.Notify.SMTPTimeOut,
			},
			FromEmail:      opts.Notify.FromEmail,
			ToEmails:       opts.Notify.ToEmails,
			WebhookURLs:    opts.Notify.Webhooks,
			WebhookTimeout: opts.Notify.WebhookTimeout,
			WebhookHeaders: opts.Notify.WebhookHeaders,
		},
	)
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures lgr and returns the writer used for logs, lumberjack if file logging is on
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	var out io.Writer = os.Stdout
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile, log.Out(out), log.Err(out))
		return out
	}
	log.Setup(log.Msec, log.Out(out), log.Err(out))
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
