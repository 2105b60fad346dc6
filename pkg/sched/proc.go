package sched

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/nixhive/evaljobs/pkg/proto"
)

// WorkerProc is one attached worker and its pipe pair.
type WorkerProc interface {
	// Conn frames messages over the worker's pipes.
	Conn() *proto.Conn

	// Close shuts the request pipe (the worker's shutdown signal) and
	// reaps the process.
	Close() error
}

// Launcher spawns worker processes. The process launcher re-execs the
// running binary; tests substitute an in-process launcher.
type Launcher interface {
	Launch(ctx context.Context) (WorkerProc, error)
}

// ProcLauncher launches workers by re-invoking the current executable with
// a hidden worker subcommand. The worker's stdin and stdout carry the
// framed protocol; stderr is inherited so worker logs land next to ours.
type ProcLauncher struct {
	// Bin is the executable to spawn. Empty means the running binary.
	Bin string

	// Args is the full argument list for the worker subcommand.
	Args []string

	// Stderr receives the worker's log output. Nil means our stderr.
	Stderr io.Writer
}

// Launch implements Launcher.
func (l *ProcLauncher) Launch(ctx context.Context) (WorkerProc, error) {
	bin := l.Bin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}

	// No CommandContext: workers are never signalled. Shutdown is the
	// request pipe closing.
	cmd := exec.Command(bin, l.Args...)
	if l.Stderr != nil {
		cmd.Stderr = l.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	return &workerProc{
		cmd:  cmd,
		in:   stdin,
		conn: proto.NewConn(stdout, stdin),
	}, nil
}

type workerProc struct {
	cmd  *exec.Cmd
	in   io.WriteCloser
	conn *proto.Conn
}

func (p *workerProc) Conn() *proto.Conn { return p.conn }

// Close closes the request pipe and waits for the worker to exit. Workers
// shut down on pipe close; no signal is ever sent.
func (p *workerProc) Close() error {
	_ = p.in.Close()
	return p.cmd.Wait()
}
