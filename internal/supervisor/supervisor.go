// ============================================================================
// Pyramid Supervisor - Island Process Lifecycle
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: 為每個 island 啟動一個 OS process，追蹤存活狀態，並在不阻塞
//          event loop 的情況下回收已結束的 process。
//
// Layout:
//   <runs-dir>/run_<i>/           working directory of island i
//   <runs-dir>/run_<i>/worker.log stdout + stderr of island i
//
// Reaping:
//   每個 process 由一個 waiter goroutine 呼叫 cmd.Wait()，結束時把 Exit
//   放進 exited 佇列。Reap() 只是把佇列取空，永遠不會阻塞。
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

var log = slog.Default()

// ErrNoProgram is returned when no engine executable was configured.
var ErrNoProgram = errors.New("supervisor: program is required")

// Slot identifies one island before it is started.
type Slot struct {
	Index int
	Dir   string
}

// ArgsFunc builds the command line for one island.
type ArgsFunc func(Slot) []string

// IslandArgs is the argument layout understood by cmd/island.
func IslandArgs(configFile, dataset, socket, outFile string) ArgsFunc {
	return func(s Slot) []string {
		args := []string{"--dir", s.Dir, "--socket", socket, "--out-file", outFile}
		if configFile != "" {
			args = append(args, "--config", configFile)
		}
		if dataset != "" {
			args = append(args, "--dataset", dataset)
		}
		return args
	}
}

// Options configures how islands are launched.
type Options struct {
	Program string
	RunsDir string
	Args    ArgsFunc
	Env     []string // nil inherits the coordinator's environment
}

// Process describes a started island.
type Process struct {
	PID     int
	Index   int
	Dir     string
	LogPath string
	Started time.Time
}

// Exit describes an island process that has terminated.
type Exit struct {
	PID      int
	Index    int
	Code     int    // -1 when killed by a signal
	Signal   string // empty unless killed by a signal
	Err      string
	ExitedAt time.Time
	LogPath  string
}

// Clean reports a zero exit status.
func (e Exit) Clean() bool {
	return e.Code == 0 && e.Signal == ""
}

// Reason is a short label for metrics and logs.
func (e Exit) Reason() string {
	switch {
	case e.Signal != "":
		return "signaled"
	case e.Code != 0:
		return "failed"
	default:
		return "exited"
	}
}

type process struct {
	Process
	cmd     *exec.Cmd
	logFile *os.File
	kill    *time.Timer
}

// Supervisor starts and reaps island processes. Safe for concurrent use.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	running map[int]*process
	exited  []Exit
	wg      sync.WaitGroup
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:    opts,
		running: make(map[int]*process),
	}
}

// RunDir returns the working directory of island index.
func (s *Supervisor) RunDir(index int) string {
	return filepath.Join(s.opts.RunsDir, fmt.Sprintf("run_%d", index))
}

// Spawn starts island index in its own working directory and process group.
func (s *Supervisor) Spawn(index int) (Process, error) {
	if strings.TrimSpace(s.opts.Program) == "" {
		return Process{}, ErrNoProgram
	}

	dir := s.RunDir(index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Process{}, fmt.Errorf("create island dir: %w", err)
	}

	var args []string
	if s.opts.Args != nil {
		args = s.opts.Args(Slot{Index: index, Dir: dir})
	}

	// Program may be relative to the coordinator's cwd, while the island
	// runs inside its own directory.
	program := s.opts.Program
	if strings.ContainsRune(program, filepath.Separator) {
		if abs, err := filepath.Abs(program); err == nil {
			program = abs
		}
	}

	cmd := exec.Command(program, args...)
	cmd.Env = s.opts.Env
	cmd.Dir = dir
	logPath := filepath.Join(dir, "worker.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Process{}, fmt.Errorf("open island log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return Process{}, fmt.Errorf("start island %d: %w", index, err)
	}

	p := &process{
		Process: Process{
			PID:     cmd.Process.Pid,
			Index:   index,
			Dir:     dir,
			LogPath: logPath,
			Started: time.Now(),
		},
		cmd:     cmd,
		logFile: logFile,
	}

	s.mu.Lock()
	s.running[p.PID] = p
	s.mu.Unlock()

	s.wg.Add(1)
	go s.waitProcess(p)

	log.Info("Island spawned", "index", index, "pid", p.PID, "dir", dir)
	return p.Process, nil
}

// Reap drains the processes that exited since the last call. Never blocks.
func (s *Supervisor) Reap() []Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.exited) == 0 {
		return nil
	}
	out := s.exited
	s.exited = nil
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Running counts processes not yet observed to exit.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Alive reports whether pid is a running island of this supervisor.
func (s *Supervisor) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[pid]
	return ok
}

// Terminate sends SIGTERM to the island's process group and escalates to
// SIGKILL after grace if it is still running. It does not wait.
func (s *Supervisor) Terminate(pid int, grace time.Duration) {
	s.mu.Lock()
	p, ok := s.running[pid]
	s.mu.Unlock()
	if !ok {
		return
	}

	if grace <= 0 {
		signalProcess(p.cmd, syscall.SIGKILL)
		return
	}
	signalProcess(p.cmd, syscall.SIGTERM)

	s.mu.Lock()
	if p.kill == nil {
		p.kill = time.AfterFunc(grace, func() {
			if s.Alive(pid) {
				log.Warn("Island ignored SIGTERM, killing", "pid", pid)
				signalProcess(p.cmd, syscall.SIGKILL)
			}
		})
	}
	s.mu.Unlock()
}

// Shutdown terminates every running island and waits for all of them to be
// reaped or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	pids := make([]int, 0, len(s.running))
	for pid := range s.running {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		s.Terminate(pid, grace)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d islands: %w", s.Running(), ctx.Err())
	}
}

func (s *Supervisor) waitProcess(p *process) {
	defer s.wg.Done()

	err := p.cmd.Wait()
	if p.logFile != nil {
		_ = p.logFile.Close()
	}

	exit := Exit{
		PID:      p.PID,
		Index:    p.Index,
		ExitedAt: time.Now(),
		LogPath:  p.LogPath,
	}
	if state := p.cmd.ProcessState; state != nil {
		exit.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal().String()
		}
	}
	if err != nil {
		exit.Err = err.Error()
	}

	s.mu.Lock()
	delete(s.running, p.PID)
	if p.kill != nil {
		p.kill.Stop()
	}
	s.exited = append(s.exited, exit)
	s.mu.Unlock()

	log.Debug("Island process exited",
		"pid", exit.PID,
		"code", exit.Code,
		"signal", exit.Signal)
}
