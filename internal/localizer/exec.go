package localizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/lipread/internal/config"
)

const (
	maxReplyBytes  = 1 << 20
	stderrTailSize = 8 << 10
	waitDelay      = 2 * time.Second
)

// Exec talks to a long-lived detector process. Requests are JPEG frames on
// stdin and replies are JSON on file descriptor 3, both prefixed with a
// big-endian uint32 length. The process is restarted after any failure.
type Exec struct {
	args  []string
	log   *slog.Logger
	start func() (*worker, error)

	mu     sync.Mutex
	worker *worker
}

type worker struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	stdin  io.WriteCloser
	data   io.ReadCloser
}

type execReply struct {
	Faces [][4]int `json:"faces"`
	Error string   `json:"error"`
}

func NewExec(cfg config.LocalizerConfig, logger *slog.Logger) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse localizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("localizer command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exec{args: args, log: logger.With(slog.String("component", "localizer-exec"))}
	e.start = e.spawn
	return e, nil
}

func (e *Exec) spawn() (*worker, error) {
	cmd := exec.Command(e.args[0], e.args[1:]...)
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create reply pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("start localizer: %w", err)
	}
	// Only the child keeps the write end.
	w.Close()

	e.log.Info("localizer worker started", slog.Int("pid", cmd.Process.Pid))
	return &worker{cmd: cmd, stderr: stderr, stdin: stdin, data: r}, nil
}

func (e *Exec) DetectFace(ctx context.Context, img image.Image) (image.Rectangle, bool, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return image.Rectangle{}, false, fmt.Errorf("encode jpeg: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.worker == nil {
		w, err := e.start()
		if err != nil {
			return image.Rectangle{}, false, err
		}
		e.worker = w
	}

	reply, err := e.communicate(ctx, buf.Bytes())
	if err != nil {
		stderr := e.worker.stderr
		// stopLocked waits for the process, so stderr is complete afterwards.
		e.stopLocked()
		if tail := stderr.String(); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		return image.Rectangle{}, false, err
	}

	var resp execReply
	if err := json.Unmarshal(reply, &resp); err != nil {
		return image.Rectangle{}, false, fmt.Errorf("decode localizer reply: %w", err)
	}
	if resp.Error != "" {
		return image.Rectangle{}, false, fmt.Errorf("localizer: %s", resp.Error)
	}
	for _, f := range resp.Faces {
		rect := image.Rect(f[0], f[1], f[0]+f[2], f[1]+f[3]).Add(img.Bounds().Min).Intersect(img.Bounds())
		if !rect.Empty() {
			return rect, true, nil
		}
	}
	return image.Rectangle{}, false, nil
}

// communicate runs one request/reply exchange. A cancelled context abandons
// the exchange and the caller restarts the worker.
func (e *Exec) communicate(ctx context.Context, payload []byte) ([]byte, error) {
	w := e.worker
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := writeMessage(w.stdin, payload); err != nil {
			done <- result{err: fmt.Errorf("write request: %w", err)}
			return
		}
		data, err := readMessage(w.data)
		if err != nil {
			err = fmt.Errorf("read reply: %w", err)
		}
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker process if one is running.
func (e *Exec) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	return nil
}

func (e *Exec) stopLocked() {
	w := e.worker
	if w == nil {
		return
	}
	e.worker = nil
	w.stdin.Close()
	w.data.Close()
	if w.cmd != nil {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		_ = w.cmd.Wait()
	}
}

func writeMessage(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxReplyBytes {
		return nil, errors.New("reply exceeds size limit")
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// tailBuffer keeps the last max bytes written to it. The exec package copies
// stderr from its own goroutine, so every access is locked.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) >= b.max {
		p = p[len(p)-b.max:]
		b.buf = b.buf[:0]
	} else if over := len(b.buf) + len(p) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}
