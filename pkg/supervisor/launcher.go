package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/protocol"
)

// ErrWorkerBusy is returned by Send when a worker is not draining its
// control queue.
var ErrWorkerBusy = errors.New("worker control queue full")

// controlQueue is how many encoded messages may wait for a worker's stdin.
const controlQueue = 64

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, botID string) (WorkerProcess, error)
}

// WorkerProcess is a running worker with an ordered control channel.
type WorkerProcess interface {
	// PID returns the OS process id, or 0 when there is none.
	PID() int
	// Send queues a control message for the worker. It never blocks on the
	// worker's stdin.
	Send(msg protocol.Message) error
	// Messages yields the worker's reports and is closed when its output ends.
	Messages() <-chan protocol.Message
	// Wait blocks until the worker has exited and returns its exit error.
	// It must only be called after Messages is closed.
	Wait() error
	// Kill terminates the worker and its process group immediately.
	Kill() error
}

// ExecLauncher starts each worker as a subprocess of the supervisor, talking
// line-delimited JSON over its stdin and stdout. Each worker gets its own
// process group so Kill reaches anything it spawned. The worker's stderr is
// appended to <logsDir>/<botID>/worker.log, or inherited when logsDir is
// empty.
type ExecLauncher struct {
	logsDir string
	log     logrus.FieldLogger

	// cmdFactory builds the exec.Cmd for a given bot ID.
	cmdFactory func(botID string) *exec.Cmd
}

// NewExecLauncher returns a launcher that runs `<executable> worker --id <botID>`.
func NewExecLauncher(executable, logsDir string, log logrus.FieldLogger) *ExecLauncher {
	return NewExecLauncherWithFactory(logsDir, log, func(botID string) *exec.Cmd {
		//nolint:gosec // intentionally spawning worker subprocess
		return exec.Command(executable, "worker", "--id", botID)
	})
}

// NewExecLauncherWithFactory returns a launcher using a custom command
// factory. Tests use it to spawn scripted stand-ins for the worker binary.
func NewExecLauncherWithFactory(logsDir string, log logrus.FieldLogger, factory func(botID string) *exec.Cmd) *ExecLauncher {
	return &ExecLauncher{logsDir: logsDir, log: log, cmdFactory: factory}
}

// Launch starts the worker for botID.
func (l *ExecLauncher) Launch(_ context.Context, botID string) (WorkerProcess, error) {
	cmd := l.cmdFactory(botID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", botID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", botID, err)
	}

	var logFile *os.File
	if l.logsDir == "" {
		cmd.Stderr = os.Stderr
	} else {
		dir := filepath.Join(l.logsDir, botID)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create worker log dir %s: %w", dir, err)
		}
		path := filepath.Join(dir, "worker.log")
		logFile, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", path, err)
		}
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn worker %s: %w", botID, err)
	}
	// The child inherited the log fd; the parent can close its copy.
	if logFile != nil {
		_ = logFile.Close()
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		queue:  make(chan []byte, controlQueue),
		msgs:   make(chan protocol.Message, 64),
		exited: make(chan struct{}),
		log:    l.log.WithFields(logrus.Fields{"bot": botID, "pid": cmd.Process.Pid}),
	}
	go p.run(stdout)
	go p.writeLoop()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	queue chan []byte
	log   logrus.FieldLogger

	msgs    chan protocol.Message
	exited  chan struct{}
	waitErr error

	killOnce sync.Once
}

// run forwards decoded reports until stdout closes, then reaps the process.
func (p *execProcess) run(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	for {
		msg, err := dec.Next()
		if err != nil {
			var malformed *protocol.MalformedMessageError
			if errors.As(err, &malformed) {
				p.log.WithError(err).Warn("malformed worker message")
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.log.WithError(err).Warn("worker output read failed")
			}
			break
		}
		p.msgs <- msg
	}
	close(p.msgs)

	// Wait closes the pipes, so it only runs after all reads are done.
	p.waitErr = p.cmd.Wait()
	_ = p.stdin.Close()
	close(p.exited)
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Send(msg protocol.Message) error {
	line, err := protocol.EncodeLine(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.exited:
		return fmt.Errorf("send %s: worker exited", msg.Type)
	default:
	}
	select {
	case p.queue <- line:
		return nil
	default:
		return fmt.Errorf("send %s: %w", msg.Type, ErrWorkerBusy)
	}
}

// writeLoop feeds queued lines to the worker's stdin in order. A blocked
// write is released when the worker exits and Wait closes the pipe.
func (p *execProcess) writeLoop() {
	for {
		select {
		case line := <-p.queue:
			if _, err := p.stdin.Write(line); err != nil {
				p.log.WithError(err).Debug("write to worker")
			}
		case <-p.exited:
			return
		}
	}
}

func (p *execProcess) Messages() <-chan protocol.Message { return p.msgs }

func (p *execProcess) Wait() error {
	<-p.exited
	return p.waitErr
}

// Kill sends SIGKILL to the worker's process group. If that fails the
// process has most likely exited already.
func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		pgid := p.cmd.Process.Pid
		if killErr := syscall.Kill(-pgid, syscall.SIGKILL); killErr != nil {
			if procErr := p.cmd.Process.Kill(); procErr != nil && !errors.Is(procErr, os.ErrProcessDone) {
				err = fmt.Errorf("kill worker %d: %w", pgid, procErr)
			}
		}
	})
	return err
}
