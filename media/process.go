package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/livepeer/go-livecast/clog"
)

// FFmpegPath is the ffmpeg binary used for capture and coding subprocesses.
var FFmpegPath = "ffmpeg"

// ErrProcessExited is returned when a subprocess went away before its
// output was fully consumed.
var ErrProcessExited = errors.New("process exited")

const stderrTailLen = 4096

// FFmpegProcess is a running ffmpeg with raw pipes on stdin and stdout.
// Both pipes are plain *os.File so Wait never races with a pending read
// and writes can carry deadlines.
type FFmpegProcess struct {
	cmd *exec.Cmd

	// Stdin is nil unless the process was started with input.
	Stdin  *os.File
	Stdout *os.File

	stderr *stderrTail

	done    chan struct{}
	waitErr error
}

type FFmpegOptions struct {
	Args []string
	// Whether the process reads from pipe:0.
	Stdin bool
	// Called for every stderr line, from a separate goroutine.
	OnStderrLine func(string)
}

func StartFFmpeg(ctx context.Context, opts FFmpegOptions) (*FFmpegProcess, error) {
	cmd := exec.Command(FFmpegPath, opts.Args...)
	p := &FFmpegProcess{
		cmd:    cmd,
		stderr: &stderrTail{onLine: opts.OnStderrLine},
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	var childIn, childOut *os.File
	closeAll := func() {
		for _, f := range []*os.File{childIn, childOut, p.Stdin, p.Stdout} {
			if f != nil {
				f.Close()
			}
		}
	}
	var err error
	if opts.Stdin {
		if childIn, p.Stdin, err = os.Pipe(); err != nil {
			return nil, err
		}
		cmd.Stdin = childIn
	}
	if p.Stdout, childOut, err = os.Pipe(); err != nil {
		closeAll()
		return nil, err
	}
	cmd.Stdout = childOut

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("start %s: %w", FFmpegPath, err)
	}
	// the child holds its own copies now
	childOut.Close()
	if childIn != nil {
		childIn.Close()
	}
	clog.V(4).Infof(ctx, "Started ffmpeg pid=%d args=%q", cmd.Process.Pid, strings.Join(opts.Args, " "))

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Done is closed once the process has exited.
func (p *FFmpegProcess) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of the process. Only valid after Done.
func (p *FFmpegProcess) ExitErr() error {
	return p.waitErr
}

// CloseStdin signals end of input.
func (p *FFmpegProcess) CloseStdin() error {
	if p.Stdin == nil {
		return nil
	}
	return p.Stdin.Close()
}

// Stop ends input, waits up to grace for a clean exit and kills the process
// otherwise. Stdout is closed last.
func (p *FFmpegProcess) Stop(grace time.Duration) error {
	p.CloseStdin()
	if p.Stdin == nil {
		// nothing to close for pure producers, ask politely
		p.cmd.Process.Signal(os.Interrupt)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	var err error
	select {
	case <-p.done:
		err = p.waitErr
	case <-timer.C:
		p.cmd.Process.Kill()
		<-p.done
		err = fmt.Errorf("killed after %s: %w", grace, ErrProcessExited)
	}
	p.Stdout.Close()
	return err
}

// Wait blocks until the process exits or ctx is done.
func (p *FFmpegProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StderrTail returns the last lines ffmpeg printed, for error reports.
func (p *FFmpegProcess) StderrTail() string {
	return p.stderr.String()
}

// stderrTail keeps the end of a process's stderr.
type stderrTail struct {
	mu     sync.Mutex
	buf    []byte
	line   []byte
	onLine func(string)
}

func (st *stderrTail) Write(b []byte) (int, error) {
	st.mu.Lock()
	st.buf = append(st.buf, b...)
	if len(st.buf) > stderrTailLen {
		st.buf = st.buf[len(st.buf)-stderrTailLen:]
	}
	var lines []string
	if st.onLine != nil {
		st.line = append(st.line, b...)
		for {
			i := bytes.IndexAny(st.line, "\r\n")
			if i < 0 {
				break
			}
			if i > 0 {
				lines = append(lines, string(st.line[:i]))
			}
			st.line = st.line[i+1:]
		}
	}
	st.mu.Unlock()
	for _, l := range lines {
		st.onLine(l)
	}
	return len(b), nil
}

func (st *stderrTail) String() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return strings.TrimSpace(string(st.buf))
}
