package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// ChildEnv marks a process started by ProcessRunner as a sandbox child.
	ChildEnv = "INGEST_SANDBOX_CHILD"

	defaultWaitDelay      = 500 * time.Millisecond
	defaultMaxResultBytes = 8 << 20
	maxStderrBytes        = 4 << 10
	responseOverhead      = 64 << 10
)

// ProcessRunner runs each job in a fresh child process of Path.
type ProcessRunner struct {
	Path string
	Args []string
	// MaxConcurrent caps live children; zero means unbounded.
	MaxConcurrent int
	WaitDelay     time.Duration

	once  sync.Once
	slots chan struct{}
}

// NewProcessRunner re-executes the current binary with args (for example
// the hidden CLI subcommand that calls ServeChild).
func NewProcessRunner(maxConcurrent int, args ...string) (*ProcessRunner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve executable: %w", err)
	}
	return &ProcessRunner{Path: path, Args: args, MaxConcurrent: maxConcurrent}, nil
}

func (r *ProcessRunner) acquire(ctx context.Context) (func(), error) {
	r.once.Do(func() {
		if r.MaxConcurrent > 0 {
			r.slots = make(chan struct{}, r.MaxConcurrent)
		}
	})
	if r.slots == nil {
		return func() {}, nil
	}
	select {
	case r.slots <- struct{}{}:
		return func() { <-r.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run starts a child, sends it the job on stdin and reads one response from
// stdout. The child is killed when the job's time limit or ctx expires.
func (r *ProcessRunner) Run(ctx context.Context, job Job) (Result, error) {
	if err := job.validate(); err != nil {
		return Result{}, err
	}
	if job.MaxResultBytes <= 0 {
		job.MaxResultBytes = defaultMaxResultBytes
	}
	runCtx, cancel := context.WithTimeout(ctx, job.TimeLimit)
	defer cancel()

	release, err := r.acquire(runCtx)
	if err != nil {
		return Result{}, r.deadlineErr(ctx, runCtx, err)
	}
	defer release()

	workDir, err := os.MkdirTemp("", "ingest-sandbox-*")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	req, err := json.Marshal(request{
		Format:         job.Format,
		Payload:        job.Payload,
		MaxResultBytes: job.MaxResultBytes,
		MemoryLimit:    job.MemoryLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: encode request: %w", err)
	}

	// #nosec G204 -- path is this binary, args are fixed by the caller
	cmd := exec.CommandContext(runCtx, r.Path, r.Args...)
	cmd.Env = childEnv(job.MemoryLimit)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(req)
	stdout := &capped{limit: 2*job.MaxResultBytes + responseOverhead}
	stderr := &capped{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	runErr := cmd.Run()
	if ctxErr := runCtx.Err(); ctxErr != nil {
		return Result{}, r.deadlineErr(ctx, runCtx, ctxErr)
	}
	if stdout.overflow {
		return Result{}, ErrOversize
	}
	if runErr != nil {
		if isOutOfMemory(stderr.String()) {
			return Result{}, ErrOversize
		}
		return Result{}, fmt.Errorf("sandbox: child failed: %w: %s", runErr, strings.TrimSpace(stderr.String()))
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("sandbox: decode response: %w", err)
	}
	return resp.result()
}

// deadlineErr maps the run context's end to ErrTimedOut unless the caller
// cancelled first.
func (r *ProcessRunner) deadlineErr(parent, run context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return ErrTimedOut
	}
	return err
}

func childEnv(memoryLimit int64) []string {
	env := []string{ChildEnv + "=1"}
	if memoryLimit > 0 {
		env = append(env, "GOMEMLIMIT="+strconv.FormatInt(memoryLimit, 10))
	}
	return env
}

func isOutOfMemory(stderr string) bool {
	return strings.Contains(stderr, "out of memory") || strings.Contains(stderr, "cannot allocate memory")
}

// IsChild reports whether this process was started as a sandbox child.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// capped buffers up to limit bytes and silently drops the rest so the child
// never blocks on a full pipe.
type capped struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (c *capped) Write(p []byte) (int, error) {
	room := c.limit - int64(c.buf.Len())
	if int64(len(p)) > room {
		if room > 0 {
			c.buf.Write(p[:room])
		}
		c.overflow = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *capped) Bytes() []byte { return c.buf.Bytes() }

func (c *capped) String() string { return c.buf.String() }
