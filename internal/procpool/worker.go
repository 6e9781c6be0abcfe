package procpool

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/ipc"
)

// readyMarker is the handshake line a worker prints once it can accept
// task dispatches.
const readyMarker = "READY"

// maxStderrBytes bounds the retained stderr tail per worker.
const maxStderrBytes = 16 * 1024

// workerProc is one pooled long-lived automation process. The stdout
// reader goroutine runs for the life of the process and feeds parsed
// protocol messages into msgCh; msgCh closes on stdout EOF.
type workerProc struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	msgCh chan ipc.Message

	readDone chan struct{}

	exitOnce sync.Once
	exitCh   chan struct{}
	exitCode int

	stderr boundedBuffer

	mu        sync.Mutex
	status    autoapply.WorkerStatus
	createdAt time.Time
	lastUsed  time.Time
	taskCount int
	deadline  time.Time
}

// boundedBuffer keeps the most recent writes up to a fixed size.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len()+len(p) > maxStderrBytes {
		keep := maxStderrBytes / 2
		if b.buf.Len() > keep {
			tail := append([]byte(nil), b.buf.Bytes()[b.buf.Len()-keep:]...)
			b.buf.Reset()
			b.buf.Write(tail)
		}
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func spawnWorker(id, command string, args []string, env map[string]string) (*workerProc, error) {
	cmd := exec.Command(command, args...)
	// Own process group so termination reaches any children holding the
	// stdout pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	w := &workerProc{
		id:       id,
		cmd:      cmd,
		stdin:    stdin,
		msgCh:    make(chan ipc.Message, 256),
		readDone: make(chan struct{}),
		exitCh:   make(chan struct{}),
		status:   autoapply.WorkerIdle,
	}
	cmd.Stderr = &w.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	now := time.Now().UTC()
	w.createdAt = now
	w.lastUsed = now

	go w.readLoop(stdout)
	go w.waitLoop()
	return w, nil
}

func (w *workerProc) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		msg := ipc.ParseLine(scanner.Text())
		select {
		case w.msgCh <- msg:
		default:
			// No consumer is keeping up and the buffer is full; drop the
			// line rather than block the pipe.
		}
	}
	close(w.msgCh)
	close(w.readDone)
}

func (w *workerProc) waitLoop() {
	// Wait closes the stdout pipe; the read loop must reach EOF first so
	// trailing output is never discarded.
	<-w.readDone
	err := w.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	w.exitOnce.Do(func() {
		w.exitCode = code
		close(w.exitCh)
	})
	if code != 0 {
		w.setStatus(autoapply.WorkerError)
	} else {
		w.setStatus(autoapply.WorkerTerminated)
	}
}

// awaitReady blocks until the worker prints its readiness marker or the
// timeout elapses.
func (w *workerProc) awaitReady(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-w.msgCh:
			if !ok {
				return fmt.Errorf("worker exited before readiness: %s", w.stderrTail())
			}
			if msg.Kind == ipc.KindLog && strings.TrimSpace(msg.Raw) == readyMarker {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("worker readiness timeout after %s", timeout)
		}
	}
}

// dispatch writes one task frame onto the worker's stdin.
func (w *workerProc) dispatch(payload []byte) error {
	frame := append([]byte("TASK:"), payload...)
	frame = append(frame, '\n')
	if _, err := w.stdin.Write(frame); err != nil {
		return fmt.Errorf("write task frame: %w", err)
	}
	return nil
}

// terminate asks the process to exit, escalating to SIGKILL after the
// grace period. It is safe to call on an already-dead process.
func (w *workerProc) terminate(grace time.Duration) {
	if w.cmd.Process == nil {
		return
	}
	select {
	case <-w.exitCh:
		return
	default:
	}
	w.signal(syscall.SIGTERM)
	select {
	case <-w.exitCh:
	case <-time.After(grace):
		w.signal(syscall.SIGKILL)
		<-w.exitCh
	}
	w.setStatus(autoapply.WorkerTerminated)
}

// signal delivers sig to the worker's whole process group.
func (w *workerProc) signal(sig syscall.Signal) {
	if pid := w.pid(); pid > 0 {
		_ = syscall.Kill(-pid, sig)
	}
}

func (w *workerProc) alive() bool {
	select {
	case <-w.exitCh:
		return false
	default:
		return true
	}
}

func (w *workerProc) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (w *workerProc) stderrTail() string {
	return strings.TrimSpace(w.stderr.String())
}

func (w *workerProc) setStatus(s autoapply.WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == autoapply.WorkerTerminated {
		return
	}
	w.status = s
}

func (w *workerProc) currentStatus() autoapply.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// tryAcquire flips an idle worker to busy. Returns false if the worker is
// busy, errored or gone.
func (w *workerProc) tryAcquire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != autoapply.WorkerIdle {
		return false
	}
	w.status = autoapply.WorkerBusy
	w.lastUsed = now
	w.taskCount++
	return true
}

// extendDeadline pushes the in-flight task deadline out by d.
func (w *workerProc) extendDeadline(d time.Duration) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = w.deadline.Add(d)
	return w.deadline
}

func (w *workerProc) setDeadline(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = t
}

func (w *workerProc) currentDeadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline
}

func (w *workerProc) release(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == autoapply.WorkerBusy {
		w.status = autoapply.WorkerIdle
	}
	w.lastUsed = now
	w.deadline = time.Time{}
}

func (w *workerProc) info() autoapply.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return autoapply.WorkerInfo{
		ID:         w.id,
		PID:        w.pid(),
		Status:     w.status,
		CreatedAt:  w.createdAt,
		LastUsedAt: w.lastUsed,
		TaskCount:  w.taskCount,
	}
}
