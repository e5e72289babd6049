// Package cli implements the furrow command line front end.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/croftlabs/furrow/internal/api"
	"github.com/croftlabs/furrow/internal/client"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/doctor"
)

type Runner struct {
	api      *client.Client
	overUnix bool
	out      io.Writer
	errOut   io.Writer
}

const maxPayloadStdinBytes int64 = 1 << 20

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := newRunner(client.New(socketPath), out, errOut)
	r.overUnix = true
	return r
}

func NewRunnerWithClient(baseURL string, httpClient *http.Client, out, errOut io.Writer) *Runner {
	return newRunner(client.NewWithClient(baseURL, httpClient), out, errOut)
}

func newRunner(c *client.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{api: c, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.overUnix {
		r.api = client.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "settings":
		return r.runSettings(ctx, rest[1:])
	case "queue":
		return r.runQueue(ctx, rest[1:])
	case "sync":
		return r.runSync(ctx, rest[1:])
	case "worker":
		return r.runWorker(ctx, rest[1:])
	case "prompt":
		return r.runPrompt(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "doctor":
		return r.runDoctor(ctx, rest[1:])
	case "init":
		return r.runInit(rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.api.Status(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	online := "offline"
	if env.Connectivity.Online {
		online = "online"
	}
	slow := ""
	if env.Connectivity.SlowConnection {
		slow = " (slow)"
	}
	_, _ = fmt.Fprintf(r.out, "connectivity: %s%s\teffective=%s\n", online, slow, env.Connectivity.EffectiveType)
	_, _ = fmt.Fprintf(r.out, "worker: %s", env.Worker.Phase)
	if env.Worker.UpdateAvailable {
		_, _ = fmt.Fprintf(r.out, "\tupdate=%s", env.Worker.WaitingVersion)
	}
	_, _ = fmt.Fprintln(r.out)
	_, _ = fmt.Fprintf(r.out, "queue: %d pending\t%d dead\n", env.QueueDepth, env.DeadLetters)
	_, _ = fmt.Fprintf(r.out, "capabilities: durable_store=%t worker=%t push=%t\n",
		env.Capabilities.DurableStore, env.Capabilities.Worker, env.Capabilities.Push)
	return 0
}

func (r *Runner) runSettings(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: furrow settings <get|set>")
		return 2
	}
	switch args[0] {
	case "get":
		fs := flag.NewFlagSet("settings get", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		env, err := r.api.Settings(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		r.printSettings(env)
		return 0
	case "set":
		fs := flag.NewFlagSet("settings set", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		autoSync := fs.String("auto-sync", "", "enable automatic sync (true|false)")
		syncInterval := fs.String("sync-interval", "", "periodic sync interval (e.g. 30s)")
		maxCacheAge := fs.String("max-cache-age", "", "cached data expiry (e.g. 24h)")
		notifications := fs.String("notifications", "", "enable notifications (true|false)")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		var patch api.SettingsPatchRequest
		changed := false
		if *autoSync != "" {
			v, err := strconv.ParseBool(*autoSync)
			if err != nil {
				_, _ = fmt.Fprintln(r.errOut, "error: --auto-sync must be true or false")
				return 2
			}
			patch.AutoSync = &v
			changed = true
		}
		if *notifications != "" {
			v, err := strconv.ParseBool(*notifications)
			if err != nil {
				_, _ = fmt.Fprintln(r.errOut, "error: --notifications must be true or false")
				return 2
			}
			patch.EnableNotifications = &v
			changed = true
		}
		if *syncInterval != "" {
			d, err := time.ParseDuration(*syncInterval)
			if err != nil || d <= 0 {
				_, _ = fmt.Fprintln(r.errOut, "error: --sync-interval must be a positive duration")
				return 2
			}
			ms := d.Milliseconds()
			patch.SyncIntervalMs = &ms
			changed = true
		}
		if *maxCacheAge != "" {
			d, err := time.ParseDuration(*maxCacheAge)
			if err != nil || d <= 0 {
				_, _ = fmt.Fprintln(r.errOut, "error: --max-cache-age must be a positive duration")
				return 2
			}
			ms := d.Milliseconds()
			patch.MaxCacheAgeMs = &ms
			changed = true
		}
		if !changed {
			_, _ = fmt.Fprintln(r.errOut, "usage: furrow settings set [--auto-sync bool] [--sync-interval dur] [--max-cache-age dur] [--notifications bool]")
			return 2
		}
		env, err := r.api.UpdateSettings(ctx, patch)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		r.printSettings(env)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown settings command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) printSettings(env api.SettingsEnvelope) {
	s := env.Settings
	_, _ = fmt.Fprintf(r.out, "auto_sync: %t\n", s.AutoSync)
	_, _ = fmt.Fprintf(r.out, "sync_interval: %s\n", s.SyncInterval)
	_, _ = fmt.Fprintf(r.out, "max_cache_age: %s\n", s.MaxCacheAge)
	_, _ = fmt.Fprintf(r.out, "notifications: %t\n", s.EnableNotifications)
}

func (r *Runner) runQueue(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: furrow queue <list|dead|add|requeue>")
		return 2
	}
	switch args[0] {
	case "list", "dead":
		fs := flag.NewFlagSet("queue "+args[0], flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		var env api.QueueEnvelope
		var err error
		if args[0] == "dead" {
			env, err = r.api.DeadLetters(ctx)
		} else {
			env, err = r.api.Queue(ctx)
		}
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		for _, a := range env.Actions {
			last := a.LastError
			if last == "" {
				last = "-"
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\tattempts=%d\t%s\n", a.ID, a.Kind, a.Status, a.Attempts, last)
		}
		return 0
	case "add":
		fs := flag.NewFlagSet("queue add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		payload := fs.String("payload", "", "inline JSON payload")
		stdin := fs.Bool("stdin", false, "read JSON payload from stdin")
		jsonOut := fs.Bool("json", false, "output JSON")
		rest := args[1:]
		kind := ""
		if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
			kind = rest[0]
			rest = rest[1:]
		}
		if err := fs.Parse(rest); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if kind == "" && fs.NArg() > 0 {
			kind = fs.Arg(0)
		}
		kind = strings.TrimSpace(kind)
		if kind == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: furrow queue add <kind> [--payload <json>|--stdin]")
			return 2
		}
		raw := strings.TrimSpace(*payload)
		if *stdin {
			body, usageErr, err := readPayloadStdin(os.Stdin, maxPayloadStdinBytes)
			if err != nil {
				_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
				if usageErr {
					return 2
				}
				return 1
			}
			raw = body
		}
		var msg json.RawMessage
		if raw != "" {
			if !json.Valid([]byte(raw)) {
				_, _ = fmt.Fprintln(r.errOut, "error: payload must be valid JSON")
				return 2
			}
			msg = json.RawMessage(raw)
		}
		resp, err := r.api.Enqueue(ctx, kind, msg)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(resp)
		}
		_, _ = fmt.Fprintf(r.out, "enqueued %s (%s)\n", resp.Action.ID, resp.Action.Kind)
		return 0
	case "requeue":
		fs := flag.NewFlagSet("queue requeue", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		rest := args[1:]
		id := ""
		if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
			id = rest[0]
			rest = rest[1:]
		}
		if err := fs.Parse(rest); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if id == "" && fs.NArg() > 0 {
			id = fs.Arg(0)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: furrow queue requeue <id>")
			return 2
		}
		env, err := r.api.Requeue(ctx, id)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		_, _ = fmt.Fprintf(r.out, "requeued %s (%d pending)\n", id, len(env.Actions))
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown queue command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runSync(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.api.Sync(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	if resp.AlreadyDraining {
		_, _ = fmt.Fprintln(r.out, "sync already in progress")
		return 0
	}
	_, _ = fmt.Fprintf(r.out, "sync complete: %d succeeded, %d failed\n", len(resp.Succeeded), len(resp.Failed))
	return 0
}

func (r *Runner) runWorker(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: furrow worker <version|update>")
		return 2
	}
	switch args[0] {
	case "version":
		fs := flag.NewFlagSet("worker version", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		env, err := r.api.WorkerVersion(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		if env.Version == "" {
			_, _ = fmt.Fprintln(r.out, "worker version unavailable")
			return 0
		}
		_, _ = fmt.Fprintln(r.out, env.Version)
		return 0
	case "update":
		fs := flag.NewFlagSet("worker update", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		resp, err := r.api.ApplyWorkerUpdate(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(resp)
		}
		if resp.Applied {
			_, _ = fmt.Fprintf(r.out, "update applied (phase %s)\n", resp.Phase)
		} else {
			_, _ = fmt.Fprintf(r.out, "no update waiting (phase %s)\n", resp.Phase)
		}
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown worker command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runPrompt(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "show" {
		_, _ = fmt.Fprintln(r.errOut, "usage: furrow prompt show")
		return 2
	}
	fs := flag.NewFlagSet("prompt show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.api.ShowInstallPrompt(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintln(r.out, resp.Choice)
	return 0
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON lines")
	once := fs.Bool("once", false, "exit when the stream closes instead of reconnecting")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	onLine := func(line api.WatchLine) error {
		if *jsonOut {
			raw, err := json.Marshal(line)
			if err != nil {
				return err
			}
			_, _ = r.out.Write(raw)
			_, _ = fmt.Fprintln(r.out)
			return nil
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s", line.EmittedAt.Format(time.RFC3339), line.Kind)
		if line.Payload != nil {
			raw, err := json.Marshal(line.Payload)
			if err == nil {
				_, _ = fmt.Fprintf(r.out, "\t%s", raw)
			}
		}
		_, _ = fmt.Fprintln(r.out)
		return nil
	}
	err := r.api.WatchLoop(ctx, client.WatchLoopOptions{Once: *once}, onLine)
	if err != nil && ctx.Err() == nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file to check")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Still run the checks; the config check reports the parse
		// failure with context.
		cfg = config.DefaultConfig()
	}
	rep := doctor.Run(ctx, cfg, *configPath)
	if *jsonOut {
		if code := r.printJSON(rep); code != 0 {
			return code
		}
	} else {
		for _, c := range rep.Checks {
			_, _ = fmt.Fprintf(r.out, "%-14s %-4s %s", c.Name, c.Status, c.Message)
			if c.Path != "" {
				_, _ = fmt.Fprintf(r.out, " (%s)", c.Path)
			}
			_, _ = fmt.Fprintln(r.out)
		}
	}
	if !rep.OK {
		return 1
	}
	return 0
}

func (r *Runner) runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "where to write the config file")
	force := fs.Bool("force", false, "replace an existing config file (keeps a backup)")
	dryRun := fs.Bool("dry-run", false, "report what would be written")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	res, err := doctor.Scaffold(doctor.ScaffoldOptions{
		ConfigPath: *configPath,
		Force:      *force,
		DryRun:     *dryRun,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(res)
	}
	if res.Skipped {
		_, _ = fmt.Fprintln(r.out, "config exists, nothing written (use --force to replace)")
		return 0
	}
	for _, b := range res.Backups {
		_, _ = fmt.Fprintf(r.out, "backed up %s\n", b)
	}
	for _, f := range res.FilesWritten {
		if res.DryRun {
			_, _ = fmt.Fprintf(r.out, "would write %s\n", f)
		} else {
			_, _ = fmt.Fprintf(r.out, "wrote %s\n", f)
		}
	}
	return 0
}

func (r *Runner) printJSON(v any) int {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(raw)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func readPayloadStdin(stdin *os.File, maxBytes int64) (payload string, usageError bool, err error) {
	if stdin == nil {
		return "", false, fmt.Errorf("stdin unavailable")
	}
	stat, err := stdin.Stat()
	if err != nil {
		return "", false, fmt.Errorf("read stdin: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return "", true, fmt.Errorf("--stdin requires piped input")
	}
	body, err := io.ReadAll(io.LimitReader(stdin, maxBytes+1))
	if err != nil {
		return "", false, fmt.Errorf("read stdin: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return "", true, fmt.Errorf("--stdin payload exceeds %d bytes", maxBytes)
	}
	if len(body) == 0 {
		return "", true, fmt.Errorf("--stdin requires non-empty payload")
	}
	return string(body), false, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: furrow [--socket <path>] <status|settings|queue|sync|worker|prompt|watch|doctor|init> ...")
}
