// Package externalcmd allows to launch external commands.
package externalcmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

const killAfter = 5 * time.Second

// Environment is a Cmd environment.
type Environment map[string]string

// Cmd is an external command attached through pipes.
type Cmd struct {
	Pool   *Pool
	CmdStr string
	Env    Environment

	// PipeStdin exposes the process standard input as a writer.
	PipeStdin bool

	// PipeStdout exposes the process standard output as a reader.
	PipeStdout bool

	// OnExit is called once, from a separate goroutine, when the
	// process exits on its own (not through Close).
	OnExit func(err error)

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	terminate chan struct{}
	exited    chan struct{}
}

// Start replaces $VARIABLES in the command string, splits it into
// an argument vector and starts the process.
func (e *Cmd) Start() error {
	cmdstr := e.CmdStr
	for key, val := range e.Env {
		cmdstr = strings.ReplaceAll(cmdstr, "$"+key, val)
	}

	args, err := shellquote.Split(cmdstr)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append([]string(nil), os.Environ()...)
	for key, val := range e.Env {
		cmd.Env = append(cmd.Env, key+"="+val)
	}
	cmd.Stderr = os.Stderr

	if e.PipeStdin {
		e.stdin, err = cmd.StdinPipe()
		if err != nil {
			return err
		}
	}

	if e.PipeStdout {
		e.stdout, err = cmd.StdoutPipe()
		if err != nil {
			return err
		}
	}

	err = cmd.Start()
	if err != nil {
		return err
	}

	e.cmd = cmd
	e.terminate = make(chan struct{})
	e.exited = make(chan struct{})

	e.Pool.add()
	go e.run()

	return nil
}

// Stdin returns the process standard input. Valid only with PipeStdin.
func (e *Cmd) Stdin() io.WriteCloser {
	return e.stdin
}

// Stdout returns the process standard output. Valid only with PipeStdout.
func (e *Cmd) Stdout() io.ReadCloser {
	return e.stdout
}

func (e *Cmd) run() {
	defer e.Pool.done()

	err := e.cmd.Wait()
	close(e.exited)

	select {
	case <-e.terminate:
	default:
		if e.OnExit != nil {
			e.OnExit(err)
		}
	}
}

// Close terminates the process, first politely, then with SIGKILL
// after a bounded wait. It returns whether the wait was exceeded.
func (e *Cmd) Close() bool {
	if e.cmd == nil {
		return false
	}

	close(e.terminate)

	if e.stdin != nil {
		e.stdin.Close()
	}

	e.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-e.exited:
		return false

	case <-time.After(killAfter):
		e.cmd.Process.Kill() //nolint:errcheck
		<-e.exited
		return true
	}
}
