package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	shellquote "github.com/kballard/go-shellquote"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/job"
	"nightpilot/internal/retry"
	logx "nightpilot/pkg/logx"
)

// Config controls how the external tool is invoked.
type Config struct {
	// Command is the tool command line, split with shell quoting rules.
	// The job content is appended as the last argument.
	Command          string
	OutputFormatFlag string
	SkipPermsFlag    string
	DefaultTimeout   time.Duration
	KillGrace        time.Duration
	// HookTimeout bounds setup and cleanup commands.
	HookTimeout    time.Duration
	MaxOutputBytes int
	// ErrorPatterns mark an exit-0 run as failed when they match its output.
	ErrorPatterns []string
	// InheritEnv passes the daemon's environment to the tool.
	InheritEnv bool
}

func DefaultConfig() Config {
	return Config{
		Command:          "claude -p",
		OutputFormatFlag: "--output-format",
		SkipPermsFlag:    "--dangerously-skip-permissions",
		DefaultTimeout:   time.Hour,
		KillGrace:        5 * time.Second,
		HookTimeout:      10 * time.Minute,
		MaxOutputBytes:   1 << 20,
		ErrorPatterns:    []string{`"is_error"\s*:\s*true`},
		InheritEnv:       true,
	}
}

// Observer receives raw tool output. *cooldown.Gate implements it.
type Observer interface {
	Observe(output string) cooldown.State
}

// Request is one attempt.
type Request struct {
	JobID     job.ID
	ProcessID string
	Content   string
	Options   job.ExecutionOptions
	Timeouts  job.TimeoutConfig
}

// Outcome is the classified result of one attempt.
type Outcome struct {
	Status   job.ResultStatus
	Class    retry.Class
	ExitCode *int
	Output   string
	Err      error
	// Stage is "validation", "setup", "execution" or "cleanup".
	Stage    string
	Started  time.Time
	Finished time.Time
	// Cooldown is the gate state after this output, when it is cooling.
	Cooldown cooldown.State
	// Spawned reports whether the tool actually ran (billable).
	Spawned bool
}

func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// ErrorMessage is Err as text, empty on success.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type Executor struct {
	mu       sync.RWMutex
	cfg      Config
	errorRes []*regexp.Regexp

	obs Observer
	log logx.Logger
}

func New(cfg Config, obs Observer, log logx.Logger) (*Executor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{obs: obs, log: log.With(logx.String("comp", "executor"))}
	if err := e.Apply(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply swaps the configuration; invalid config leaves the old one in place.
func (e *Executor) Apply(cfg Config) error {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = def.Command
	}
	if _, err := shellquote.Split(cfg.Command); err != nil {
		return errors.Wrapf(err, "executor.command %q", cfg.Command)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = def.HookTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	res := make([]*regexp.Regexp, 0, len(cfg.ErrorPatterns))
	for _, p := range cfg.ErrorPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return errors.Wrapf(err, "executor.error_patterns %q", p)
		}
		res = append(res, re)
	}

	e.mu.Lock()
	e.cfg = cfg
	e.errorRes = res
	e.mu.Unlock()
	return nil
}

// SetDefaultTimeout updates the timeout used when a job sets none.
func (e *Executor) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.DefaultTimeout = d
	e.mu.Unlock()
}

func (e *Executor) config() (Config, []*regexp.Regexp) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.errorRes
}

// Args builds the tool argv for req.
func (e *Executor) Args(req Request) ([]string, error) {
	cfg, _ := e.config()
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	opt := req.Options
	if opt.OutputFormat != "" && cfg.OutputFormatFlag != "" {
		argv = append(argv, cfg.OutputFormatFlag, opt.OutputFormat)
	}
	if opt.SkipPermissions && cfg.SkipPermsFlag != "" {
		argv = append(argv, cfg.SkipPermsFlag)
	}
	argv = append(argv, opt.Args...)
	return append(argv, req.Content), nil
}

// Timeout resolves the attempt timeout: execution_options, then
// timeout_config, then the configured default.
func (e *Executor) Timeout(req Request) time.Duration {
	if s := req.Options.TimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	if s := req.Timeouts.TimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	cfg, _ := e.config()
	return cfg.DefaultTimeout
}

// Run executes one attempt. It never returns an error; every failure is
// described by the Outcome. The output is handed to the observer whatever
// the classification.
func (e *Executor) Run(ctx context.Context, req Request) Outcome {
	cfg, errorRes := e.config()
	out := Outcome{Started: time.Now(), Stage: "execution"}
	log := e.log.With(logx.Int64("job_id", int64(req.JobID)), logx.String("process_id", req.ProcessID))

	finish := func() Outcome {
		out.Finished = time.Now()
		if e.obs != nil {
			// Only output that names a rate limit is the rate limit talking;
			// a plain failure while some earlier cooldown runs stays transient.
			if st := e.obs.Observe(out.Output); st.Matched && st.IsCooling {
				out.Cooldown = st
				if out.Class == retry.ClassTransient {
					out.Class = retry.ClassCooldown
				}
			}
		}
		return out
	}

	if strings.TrimSpace(req.Content) == "" {
		out.Status, out.Class, out.Stage = job.ResultFailed, retry.ClassPermanent, "validation"
		out.Err = retry.Permanent(errors.New("empty prompt content"))
		return finish()
	}
	argv, err := e.Args(req)
	if err != nil {
		out.Status, out.Class, out.Stage = job.ResultFailed, retry.ClassPermanent, "setup"
		out.Err = retry.Permanent(errors.Wrap(err, "build command"))
		return finish()
	}

	timeout := e.Timeout(req)
	p := e.spawn(ctx, log, argv, req.Options, timeout, e.grace(cfg, req.Timeouts), cfg)
	if p.startErr != nil {
		out.Status, out.Class, out.Stage = job.ResultFailed, retry.ClassPermanent, "setup"
		out.Err = retry.Permanent(p.startErr)
		return finish()
	}
	out.Spawned = true
	out.Output, out.ExitCode = p.output, p.exitCode

	switch {
	case ctx.Err() != nil:
		out.Status, out.Class = job.ResultCancelled, retry.ClassCancelled
		out.Err = errors.Wrap(ctx.Err(), "run cancelled")
	case p.timedOut:
		out.Status, out.Class = job.ResultTimeout, retry.ClassTransient
		out.Err = errors.Newf("timed out after %s", timeout)
	case p.waitErr != nil:
		out.Status, out.Class = job.ResultFailed, retry.ClassTransient
		out.Err = errors.Wrap(p.waitErr, "tool failed")
	default:
		if re := firstMatch(errorRes, out.Output); re != "" {
			out.Status, out.Class = job.ResultFailed, retry.ClassTransient
			out.Err = errors.Newf("tool reported an error (matched %s)", re)
		} else {
			out.Status, out.Class = job.ResultSuccess, retry.ClassNone
		}
	}
	res := finish()
	log.Debug("tool finished",
		logx.String("status", string(res.Status)),
		logx.String("class", res.Class.String()),
		logx.Duration("took", res.Duration()),
		logx.String("exit", exitString(res.ExitCode)))
	return res
}

// HookRequest is a setup or cleanup command run around a job's attempts.
type HookRequest struct {
	JobID     job.ID
	ProcessID string
	// Stage is "setup" or "cleanup".
	Stage   string
	Command string
	// Options supplies the working directory and environment.
	Options job.ExecutionOptions
	Timeout time.Duration
}

// RunHook runs a hook command. Hooks are not the tool: their output is not
// shown to the cooldown observer and every failure is permanent.
func (e *Executor) RunHook(ctx context.Context, req HookRequest) Outcome {
	cfg, _ := e.config()
	out := Outcome{Started: time.Now(), Stage: req.Stage}
	log := e.log.With(logx.Int64("job_id", int64(req.JobID)), logx.String("process_id", req.ProcessID), logx.String("stage", req.Stage))
	fail := func(err error) Outcome {
		out.Status, out.Class = job.ResultFailed, retry.ClassPermanent
		out.Err = retry.Permanent(errors.Wrapf(err, "%s command", req.Stage))
		out.Finished = time.Now()
		return out
	}

	argv, err := shellquote.Split(req.Command)
	if err != nil {
		return fail(err)
	}
	if len(argv) == 0 {
		return fail(errors.New("empty command"))
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cfg.HookTimeout
	}

	p := e.spawn(ctx, log, argv, req.Options, timeout, cfg.KillGrace, cfg)
	if p.startErr != nil {
		return fail(p.startErr)
	}
	out.Spawned = true
	out.Output, out.ExitCode = p.output, p.exitCode
	switch {
	case ctx.Err() != nil:
		out.Status, out.Class = job.ResultCancelled, retry.ClassCancelled
		out.Err = errors.Wrapf(ctx.Err(), "%s cancelled", req.Stage)
	case p.timedOut:
		out.Status, out.Class = job.ResultTimeout, retry.ClassPermanent
		out.Err = retry.Permanent(errors.Newf("%s command timed out after %s", req.Stage, timeout))
	case p.waitErr != nil:
		return fail(p.waitErr)
	default:
		out.Status, out.Class = job.ResultSuccess, retry.ClassNone
	}
	out.Finished = time.Now()
	return out
}

func (e *Executor) grace(cfg Config, t job.TimeoutConfig) time.Duration {
	if g := t.KillGraceSeconds; g > 0 {
		return time.Duration(g) * time.Second
	}
	return cfg.KillGrace
}

type spawned struct {
	output   string
	exitCode *int
	startErr error
	waitErr  error
	timedOut bool
}

// spawn runs argv to completion under timeout, capturing the output tail.
func (e *Executor) spawn(ctx context.Context, log logx.Logger, argv []string, opt job.ExecutionOptions, timeout, grace time.Duration, cfg Config) spawned {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = opt.WorkingDirectory
	cmd.Env = buildEnv(cfg.InheritEnv, opt.Env)
	// Interrupt first so the tool can flush; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = grace

	buf := &tailBuffer{max: cfg.MaxOutputBytes}
	cmd.Stdout = buf
	cmd.Stderr = buf

	log.Debug("spawning", logx.String("cmd", argv[0]), logx.Duration("timeout", timeout))
	if err := cmd.Start(); err != nil {
		log.Warn("spawn failed", logx.Err(err))
		return spawned{startErr: errors.Wrapf(err, "spawn %s", argv[0])}
	}
	p := spawned{waitErr: cmd.Wait()}
	p.output = buf.String()
	if ps := cmd.ProcessState; ps != nil {
		code := ps.ExitCode()
		p.exitCode = &code
	}
	p.timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	return p
}

func firstMatch(res []*regexp.Regexp, s string) string {
	for _, re := range res {
		if re.MatchString(s) {
			return re.String()
		}
	}
	return ""
}

func buildEnv(inherit bool, extra map[string]string) []string {
	var env []string
	if inherit {
		env = os.Environ()
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	if env == nil {
		// A nil Env would inherit; an empty non-nil slice does not.
		env = []string{}
	}
	return env
}

func exitString(code *int) string {
	if code == nil {
		return "none"
	}
	return strconv.Itoa(*code)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; b.max > 0 && over > 0 {
		b.buf.Next(over)
		// Never start the kept tail in the middle of a multi-byte rune.
		for b.buf.Len() > 0 && !utf8.RuneStart(b.buf.Bytes()[0]) {
			b.buf.Next(1)
		}
		b.truncated = true
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[output truncated]\n" + b.buf.String()
	}
	return b.buf.String()
}
