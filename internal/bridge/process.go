package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// process manages one code tool subprocess.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	outputCh chan StreamEvent
	done     chan struct{}

	mu        sync.Mutex
	stderrBuf strings.Builder
	started   bool
	stderrWG  sync.WaitGroup
}

func newProcess(ctx context.Context, logger *zap.Logger) *process {
	ctx, cancel := context.WithCancel(ctx)
	return &process{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		outputCh: make(chan StreamEvent, 100),
		done:     make(chan struct{}),
	}
}

// start launches binary with args in dir.
func (p *process) start(binary string, args []string, dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process already started")
	}

	p.cmd = exec.CommandContext(p.ctx, binary, args...)
	if dir != "" {
		p.cmd.Dir = dir
	}

	var err error
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrToolNotInstalled, err)
		}
		return fmt.Errorf("start process: %w", err)
	}
	p.started = true

	p.stderrWG.Add(1)
	go p.readOutput()
	go p.readStderr()
	return nil
}

// maxStreamLine bounds one stdout line. Longer lines are skipped.
const maxStreamLine = 4 * 1024 * 1024

// readOutput parses stdout lines. Malformed and oversized lines are skipped.
func (p *process) readOutput() {
	defer close(p.done)
	defer close(p.outputCh)

	r := bufio.NewReaderSize(p.stdout, 64*1024)
	for {
		line, oversized, err := readLine(r, maxStreamLine)
		switch {
		case oversized:
			p.logger.Debug("skipping oversized stream line", zap.Int("limit", maxStreamLine))
		case len(bytes.TrimSpace(line)) > 0:
			ev, perr := ParseStreamEvent(line)
			if perr != nil {
				p.logger.Debug("skipping malformed stream line", zap.Error(perr), zap.ByteString("line", line))
				break
			}
			// Output is consumed until exit even when nobody listens anymore.
			p.outputCh <- ev
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if p.ctx.Err() == nil {
					p.logger.Debug("stdout read error", zap.Error(err))
				}
				// Keep the pipe drained so the tool can exit.
				_, _ = io.Copy(io.Discard, p.stdout)
			}
			return
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed to its end and reported as oversized with no content.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(bytes.TrimRight(chunk, "\r\n")) > limit {
				oversized, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), oversized, err
	}
}

// readStderr keeps stderr for error messages and logs it at debug.
func (p *process) readStderr() {
	defer p.stderrWG.Done()
	scanner := bufio.NewScanner(p.stderr)
	buf := make([]byte, 16*1024)
	scanner.Buffer(buf, 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug("tool stderr", zap.String("line", line))
		p.mu.Lock()
		p.stderrBuf.WriteString(line)
		p.stderrBuf.WriteByte('\n')
		p.mu.Unlock()
	}
	// Past the scanner limit stderr is dropped but still drained.
	_, _ = io.Copy(io.Discard, p.stderr)
}

// events returns the parsed output. It is closed when stdout ends.
func (p *process) events() <-chan StreamEvent {
	return p.outputCh
}

// wait waits for the process to exit and returns its exit code.
func (p *process) wait() (int, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return -1, fmt.Errorf("process not started")
	}
	p.mu.Unlock()

	<-p.done
	p.stderrWG.Wait()
	err := p.cmd.Wait()
	p.cancel()
	if err == nil {
		return 0, nil
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	msg := fmt.Sprintf("process exited with error: %v", err)
	if p.ctx.Err() != nil && code == -1 {
		msg += fmt.Sprintf(" (context: %v)", p.ctx.Err())
	}
	return code, errors.New(msg)
}

// kill terminates the process.
func (p *process) kill() {
	p.cancel()
}

// stderrText returns stderr captured so far.
func (p *process) stderrText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.stderrBuf.String())
}

// pid returns the process id, or 0 if not started.
func (p *process) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}
