package localizer

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os/exec"
	"strings"
	"testing"

	"github.com/loqalabs/lipread/internal/config"
)

// shellWorker builds an Exec whose worker is the given sh script.
func shellWorker(t *testing.T, script string) *Exec {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e, err := NewExec(config.LocalizerConfig{Command: "sh"}, discardLogger())
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	e.args = append(e.args, "-c", script)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecWorkerRepliesOnFD3(t *testing.T) {
	reply := `{"faces":[[2,3,10,12]]}`
	script := fmt.Sprintf(`echo warming up >&2; printf '\000\000\000\%03o%s' >&3; exec sleep 30`, len(reply), reply)
	e := shellWorker(t, script)

	rect, ok, err := e.DetectFace(context.Background(), uniformImage(32, 32, color.RGBA{R: 90, A: 255}))
	if err != nil || !ok {
		t.Fatalf("detect: ok=%v err=%v", ok, err)
	}
	if want := image.Rect(2, 3, 12, 15); rect != want {
		t.Fatalf("rect = %v, want %v", rect, want)
	}
	if e.worker == nil || e.worker.cmd.Process == nil {
		t.Fatal("worker should stay running between frames")
	}
}

func TestExecWorkerStderrIsBounded(t *testing.T) {
	e := shellWorker(t, `i=0; while [ $i -lt 5000 ]; do echo noise-$i >&2; i=$((i+1)); done; exec 3>&-; exec sleep 30`)

	_, _, err := e.DetectFace(context.Background(), uniformImage(16, 16, color.RGBA{A: 255}))
	if err == nil {
		t.Fatal("expected error from worker without reply channel")
	}
	if e.worker != nil {
		t.Fatal("failed worker should be discarded")
	}
	msg := err.Error()
	if len(msg) > stderrTailSize+256 {
		t.Fatalf("error carries %d bytes of stderr", len(msg))
	}
	if !strings.Contains(msg, "noise-4999") {
		t.Fatalf("error %q lacks worker stderr", msg)
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{max: 8}
	for _, s := range []string{"abc", "defgh", "ij"} {
		if n, err := b.Write([]byte(s)); n != len(s) || err != nil {
			t.Fatalf("write %q: n=%d err=%v", s, n, err)
		}
	}
	if got := b.String(); got != "cdefghij" {
		t.Fatalf("tail = %q", got)
	}
	_, _ = b.Write([]byte("0123456789"))
	if got := b.String(); got != "23456789" {
		t.Fatalf("tail = %q", got)
	}
	var nilBuf *tailBuffer
	if nilBuf.String() != "" {
		t.Fatal("nil buffer should be empty")
	}
}
