// Package process describes how panel commands are launched and wraps an
// interactive shell attached to a pseudo-terminal.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Invocation is a fully resolved command line. Sandboxes produce invocations
// so callers never care whether the command runs on the host or in a container.
type Invocation struct {
	Argv []string
	Dir  string
	Env  []string
	// Inherit names orchestrator variables passed through on top of the base
	// set. Panel code must never see the service's own settings.
	Inherit []string
}

// baseEnv is what every invocation inherits from the orchestrator.
var baseEnv = []string{"PATH", "LANG", "LC_ALL", "TZ"}

// EngineEnv is what a `docker` client invocation needs to reach the engine.
var EngineEnv = []string{"HOME", "DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CONTEXT", "DOCKER_CERT_PATH", "DOCKER_TLS_VERIFY"}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Environ builds the environment of the invocation: the base set, Inherit,
// HOME pointing at Dir unless inherited, then Env. Later entries win.
func (inv Invocation) Environ() []string {
	env := make([]string, 0, len(baseEnv)+len(inv.Inherit)+len(inv.Env)+1)
	inheritsHome := false
	for _, k := range append(append([]string{}, baseEnv...), inv.Inherit...) {
		if k == "HOME" {
			inheritsHome = true
		}
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		} else if k == "PATH" {
			env = append(env, "PATH="+defaultPath)
		}
	}
	if !inheritsHome && inv.Dir != "" {
		env = append(env, "HOME="+inv.Dir)
	}
	return append(env, inv.Env...)
}

// Command builds an exec.Cmd for the invocation with the environment from
// Environ.
func (inv Invocation) Command() (*exec.Cmd, error) {
	if len(inv.Argv) == 0 {
		return nil, errors.New("empty invocation")
	}
	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Environ()
	return cmd, nil
}

// Process represents a running process with PTY-like I/O.
type Process interface {
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	Resize(rows, cols uint16) error
	Done() <-chan struct{}
	Close() error
}

var _ Process = (*ptyProcess)(nil)

type ptyProcess struct {
	cmd     *exec.Cmd
	ptyFile *os.File
	done    chan struct{}
	once    sync.Once
}

// StartPTY runs inv attached to a new pseudo-terminal of the given size.
func StartPTY(inv Invocation, rows, cols uint16) (Process, error) {
	cmd, err := inv.Command()
	if err != nil {
		return nil, err
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	p := &ptyProcess{
		cmd:     cmd,
		ptyFile: ptyFile,
		done:    make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		p.once.Do(func() { close(p.done) })
	}()
	return p, nil
}

func (p *ptyProcess) Read(buf []byte) (int, error) {
	return p.ptyFile.Read(buf)
}

func (p *ptyProcess) Write(data []byte) (int, error) {
	return p.ptyFile.Write(data)
}

func (p *ptyProcess) Resize(rows, cols uint16) error {
	return pty.Setsize(p.ptyFile, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *ptyProcess) Done() <-chan struct{} {
	return p.done
}

// Close kills the shell and releases the terminal.
func (p *ptyProcess) Close() error {
	if p.cmd.Process != nil {
		p.cmd.Process.Signal(syscall.SIGHUP)
		p.cmd.Process.Kill()
	}
	return p.ptyFile.Close()
}
