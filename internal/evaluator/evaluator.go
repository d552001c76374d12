// Package evaluator runs one trial: it launches the bypass binary with a
// candidate's arguments, waits for it to come up, probes a live endpoint
// through it and always tears the process down again.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/monitoring"
	"github.com/ciadpi-tray/autosearch/internal/timeutil"
)

var log = monitoring.New("evaluator")

// FailureKind classifies why a trial did not succeed.
type FailureKind string

const (
	FailureNone     FailureKind = "none"
	FailureBusy     FailureKind = "busy"
	FailureSpawn    FailureKind = "spawn"
	FailureProbe    FailureKind = "probe"
	FailureStatus   FailureKind = "status"
	FailurePanic    FailureKind = "panic"
	FailureCanceled FailureKind = "canceled"
)

// Outcome is the result of one trial. Latency covers the probe only.
type Outcome struct {
	Candidate   candidate.Candidate
	Success     bool
	Kind        FailureKind
	Latency     time.Duration
	StatusCode  int
	Target      string
	Attempts    int
	Err         error
	TeardownErr error
	Notes       string
}

// Config holds the evaluator's timing and probe settings.
type Config struct {
	BinaryPath       string
	GracePeriod      time.Duration
	TerminateTimeout time.Duration
	// ProbeTimeout is the probe deadline used when the trial's probe
	// duration leaves nothing after the grace period.
	ProbeTimeout     time.Duration
	Endpoints        []string
	SuccessCodes     []int
	ProbeViaProxy    bool
	DefaultProxyPort int
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{
		BinaryPath:       "ciadpi",
		GracePeriod:      3 * time.Second,
		TerminateTimeout: 5 * time.Second,
		ProbeTimeout:     8 * time.Second,
		Endpoints: []string{
			"https://www.youtube.com",
			"https://www.google.com",
			"https://github.com",
			"https://www.wikipedia.org",
		},
		SuccessCodes:     []int{200, 206, 301, 302},
		ProbeViaProxy:    true,
		DefaultProxyPort: 1080,
	}
}

// tracked is a launched process plus its once-only teardown.
type tracked struct {
	proc Process
	once sync.Once
	err  error
}

// Evaluator runs trials one at a time. Abort may be called from any
// goroutine.
type Evaluator struct {
	cfg      Config
	launcher Launcher
	prober   Prober
	clock    timeutil.Clock

	mu       sync.Mutex
	busy     bool
	next     int
	current  *tracked
	cancelFn context.CancelFunc
}

// New returns an Evaluator. A nil clock uses the real clock.
func New(cfg Config, launcher Launcher, prober Prober, clock timeutil.Clock) *Evaluator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultConfig().Endpoints
	}
	if len(cfg.SuccessCodes) == 0 {
		cfg.SuccessCodes = DefaultConfig().SuccessCodes
	}
	return &Evaluator{cfg: cfg, launcher: launcher, prober: prober, clock: clock}
}

// Busy reports whether a trial is in flight.
func (e *Evaluator) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// nextTarget rotates through the endpoints, one per trial. Callers hold e.mu.
func (e *Evaluator) nextTarget() string {
	t := e.cfg.Endpoints[e.next%len(e.cfg.Endpoints)]
	e.next++
	return t
}

// ProxyFor returns the SOCKS5 listener the candidate will open: its -p port,
// or the configured default.
func (e *Evaluator) ProxyFor(c candidate.Candidate) *url.URL {
	port := e.cfg.DefaultProxyPort
	if v, ok := c.Lookup("-p"); ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			port = p
		}
	}
	return &url.URL{Scheme: "socks5", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
}

// Evaluate runs one trial of cand. It never returns an error or panics;
// every failure is described by the Outcome. probeDuration is the whole
// per-trial budget: the probe gets what is left after the grace period.
func (e *Evaluator) Evaluate(ctx context.Context, cand candidate.Candidate, probeDuration time.Duration) (out Outcome) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return Outcome{Candidate: cand, Kind: FailureBusy, Notes: "evaluator busy: another trial is running"}
	}
	e.busy = true
	target := e.nextTarget()
	trialCtx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	out = Outcome{Candidate: cand, Target: target}
	var t *tracked

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("trial %q panicked: %v", cand.Key(), r)
			out.Success = false
			out.Kind = FailurePanic
			out.Err = fmt.Errorf("panic: %v", r)
			out.Notes = fmt.Sprintf("failure (panic): %v", r)
		}
		if t != nil {
			out.TeardownErr = e.teardown(t)
			if out.TeardownErr != nil {
				log.Warnf("teardown of %q: %v", cand.Key(), out.TeardownErr)
			}
		}
		cancel()
		e.mu.Lock()
		e.busy = false
		e.current = nil
		e.cancelFn = nil
		e.mu.Unlock()
	}()

	proc, err := e.launcher.Launch(trialCtx, e.cfg.BinaryPath, cand.Args())
	if err != nil {
		return e.fail(out, FailureSpawn, err, "failed to start %s", e.cfg.BinaryPath)
	}
	t = &tracked{proc: proc}
	e.mu.Lock()
	e.current = t
	e.mu.Unlock()

	if err := e.clock.Sleep(trialCtx, e.cfg.GracePeriod); err != nil {
		return e.fail(out, FailureCanceled, err, "canceled during startup")
	}
	select {
	case <-proc.Done():
		return e.fail(out, FailureSpawn, errors.New("process exited during startup"),
			"exited early: %s", summarize(proc.Output()))
	default:
	}

	deadline := probeDuration - e.cfg.GracePeriod
	if deadline <= 0 {
		deadline = e.cfg.ProbeTimeout
	}
	probeCtx, probeCancel := context.WithTimeout(trialCtx, deadline)
	defer probeCancel()

	var proxy *url.URL
	if e.cfg.ProbeViaProxy {
		proxy = e.ProxyFor(cand)
	}

	start := e.clock.Now()
	res := e.prober.Probe(probeCtx, target, proxy)
	out.Latency = e.clock.Since(start)
	out.StatusCode = res.StatusCode
	out.Attempts = res.Attempts

	switch {
	case res.Err != nil && trialCtx.Err() != nil:
		return e.fail(out, FailureCanceled, res.Err, "canceled while probing %s", target)
	case res.Err != nil:
		return e.fail(out, FailureProbe, res.Err, "probe %s", target)
	case !e.successCode(res.StatusCode):
		return e.fail(out, FailureStatus, fmt.Errorf("status %d", res.StatusCode), "%s answered %d", target, res.StatusCode)
	}

	out.Success = true
	out.Kind = FailureNone
	out.Notes = fmt.Sprintf("success, test: %s, speed: %.2f sec", target, out.Latency.Seconds())
	return out
}

func (e *Evaluator) fail(out Outcome, kind FailureKind, err error, format string, args ...interface{}) Outcome {
	out.Success = false
	out.Kind = kind
	out.Err = err
	out.Notes = fmt.Sprintf("failure (%s): %s: %v", kind, fmt.Sprintf(format, args...), err)
	return out
}

func (e *Evaluator) successCode(code int) bool {
	for _, c := range e.cfg.SuccessCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Abort cancels the in-flight trial and tears its process down. It is safe
// to call when idle and more than once.
func (e *Evaluator) Abort() {
	e.mu.Lock()
	cancel := e.cancelFn
	t := e.current
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := e.teardown(t); err != nil {
			log.Warnf("abort teardown: %v", err)
		}
	}
}

// teardown stops t exactly once; later calls return the first result.
func (e *Evaluator) teardown(t *tracked) error {
	t.once.Do(func() {
		t.err = e.stop(t.proc)
	})
	return t.err
}

// stop sends SIGTERM, waits up to TerminateTimeout, then SIGKILL.
func (e *Evaluator) stop(p Process) error {
	if exited(p) {
		return nil
	}
	if err := p.Terminate(); err != nil {
		log.Warnf("terminate pid %d: %v", p.Pid(), err)
	}
	if exited(p) {
		return nil
	}
	select {
	case <-p.Done():
		return nil
	case <-e.clock.After(e.cfg.TerminateTimeout):
	}

	log.Warnf("pid %d still running after %s, killing", p.Pid(), e.cfg.TerminateTimeout)
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	if exited(p) {
		return nil
	}
	select {
	case <-p.Done():
		return nil
	case <-e.clock.After(e.cfg.TerminateTimeout):
		return fmt.Errorf("pid %d did not exit after SIGKILL", p.Pid())
	}
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

func summarize(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "no output"
	}
	if len(output) > 200 {
		output = output[:200] + "..."
	}
	return output
}
