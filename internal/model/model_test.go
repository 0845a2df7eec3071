package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
)

func smallArch(seed uint64) Architecture {
	return Architecture{Channels: [4]int{4, 4, 8, 8}, Hidden: 4, Layers: 2, NumClasses: 6, Seed: seed}
}

func testFrame(t *testing.T, seed int) lipread.Frame {
	t.Helper()
	pix := make([]float32, lipread.FrameLen)
	for i := range pix {
		pix[i] = float32((i*7+seed*13)%256) / 255
	}
	f, err := lipread.NewFrame(pix)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	return f
}

func testFrames(t *testing.T, n int) []lipread.Frame {
	out := make([]lipread.Frame, n)
	for i := range out {
		out[i] = testFrame(t, i)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConvIm2col(t *testing.T) {
	c := newConv2d("c", 1, 1, 3, 1, 1)
	for i := range c.weight.data {
		c.weight.data[i] = 1
	}
	c.bias.data[0] = 0.5
	x := fmap{c: 1, h: 3, w: 3, data: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}}
	y := c.forward(x)
	if y.h != 3 || y.w != 3 {
		t.Fatalf("unexpected output size %dx%d", y.h, y.w)
	}
	if got := y.at(0, 1, 1); got != 45.5 {
		t.Fatalf("center = %v, want 45.5", got)
	}
	if got := y.at(0, 0, 0); got != 1+2+4+5+0.5 {
		t.Fatalf("corner = %v, want 12.5", got)
	}
}

func TestMaxPoolAndAverage(t *testing.T) {
	x := fmap{c: 1, h: 4, w: 4, data: []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}}
	y := maxPool(x, 3, 2, 1)
	want := []float64{6, 8, 14, 16}
	for i, v := range want {
		if y.data[i] != v {
			t.Fatalf("pool[%d] = %v, want %v", i, y.data[i], v)
		}
	}
	if avg := globalAvgPool(x); avg[0] != 8.5 {
		t.Fatalf("average = %v, want 8.5", avg[0])
	}
}

func TestLSTMGateOrder(t *testing.T) {
	cell := newLSTMCell("l0", 1, 1)
	// Only the cell-candidate bias is set: c1 = i*g = 0.5*tanh(1).
	cell.biasIH.data[2] = 1
	out := cell.run([][]float64{{0}}, false)
	c := 0.5 * math.Tanh(1)
	want := 0.5 * math.Tanh(c)
	if math.Abs(out[0][0]-want) > 1e-12 {
		t.Fatalf("h = %v, want %v", out[0][0], want)
	}
}

func TestNetworkForwardShapeAndDeterminism(t *testing.T) {
	a, err := NewNetwork(smallArch(7))
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	b, _ := NewNetwork(smallArch(7))
	frames := testFrames(t, 3)

	outA, err := a.Forward(context.Background(), frames)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(outA) != 3 || len(outA[0]) != 6 {
		t.Fatalf("unexpected output shape %dx%d", len(outA), len(outA[0]))
	}
	outB, _ := b.Forward(context.Background(), frames)
	for i := range outA {
		for j := range outA[i] {
			if outA[i][j] != outB[i][j] {
				t.Fatalf("same seed produced different logits at %d,%d", i, j)
			}
		}
	}
}

func TestNetworkIsBidirectional(t *testing.T) {
	net, _ := NewNetwork(smallArch(3))
	frames := testFrames(t, 4)
	base, err := net.Forward(context.Background(), frames)
	if err != nil {
		t.Fatal(err)
	}
	frames[3] = testFrame(t, 99)
	changed, _ := net.Forward(context.Background(), frames)
	same := true
	for j := range base[0] {
		if base[0][j] != changed[0][j] {
			same = false
		}
	}
	if same {
		t.Fatal("first step should depend on the last frame through the reverse direction")
	}
}

func TestNetworkCancelledContext(t *testing.T) {
	net, _ := NewNetwork(smallArch(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := net.Forward(ctx, testFrames(t, 2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt", "model.gob")
	src, _ := NewNetwork(smallArch(11))
	if err := src.SaveCheckpoint(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	dst, _ := NewNetwork(smallArch(12))
	if err := dst.LoadCheckpoint(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !dst.Loaded() {
		t.Fatal("expected loaded flag")
	}
	frames := testFrames(t, 2)
	want, _ := src.Forward(context.Background(), frames)
	got, _ := dst.Forward(context.Background(), frames)
	for i := range want {
		for j := range want[i] {
			// Checkpoints store float32.
			if math.Abs(want[i][j]-got[i][j]) > 1e-4 {
				t.Fatalf("logit %d,%d = %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestCheckpointMismatchLeavesWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")
	other := smallArch(5)
	other.NumClasses = 9
	src, _ := NewNetwork(other)
	if err := src.SaveCheckpoint(path); err != nil {
		t.Fatal(err)
	}
	dst, _ := NewNetwork(smallArch(5))
	before := append([]float64(nil), dst.param("conv1.weight").data...)
	err := dst.LoadCheckpoint(path)
	if !errors.Is(err, ErrCheckpointMismatch) {
		t.Fatalf("expected ErrCheckpointMismatch, got %v", err)
	}
	after := dst.param("conv1.weight").data
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("weights changed after failed load")
		}
	}
	if dst.Loaded() {
		t.Fatal("loaded flag set after failed load")
	}
}

func TestParamNamesFollowStateDict(t *testing.T) {
	net, _ := NewNetwork(smallArch(1))
	names := strings.Join(net.ParamNames(), ",")
	for _, want := range []string{"conv1.weight", "bn4.running_var", "lstm.weight_ih_l0", "lstm.bias_hh_l1_reverse", "fc.bias"} {
		if !strings.Contains(names, want) {
			t.Fatalf("missing parameter %s", want)
		}
	}
}

func TestNativeDeviceFallback(t *testing.T) {
	net, _ := NewNetwork(smallArch(1))
	cfg := config.ModelConfig{Device: "cuda", CheckpointPath: filepath.Join(t.TempDir(), "missing.gob")}
	m := wrapNetwork(net, cfg, discardLogger())
	info := m.Describe()
	if info.Device != "cpu" || info.Backend != "native" || info.CheckpointLoaded {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.NumClasses != 6 || info.Family != Family {
		t.Fatalf("unexpected info %+v", info)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "model.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return "sh " + path
}

func TestExecModelScores(t *testing.T) {
	cmd := writeScript(t, "cat > /dev/null\necho '{\"scores\":[[0.1,0.9],[2,1]]}'\n")
	m, err := New(config.ModelConfig{Mode: "exec", Command: cmd, NumClasses: 2, TimeoutMS: 5000}, discardLogger())
	if err != nil {
		t.Fatalf("new exec model: %v", err)
	}
	scores, err := m.Infer(context.Background(), testFrames(t, 2))
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(scores) != 2 || scores[0][1] != 0.9 || scores[1][0] != 2 {
		t.Fatalf("unexpected scores %v", scores)
	}
	if info := m.Describe(); info.Backend != "exec" {
		t.Fatalf("unexpected backend %q", info.Backend)
	}
}

func TestExecModelErrors(t *testing.T) {
	reported := writeScript(t, "cat > /dev/null\necho '{\"error\":\"weights missing\"}'\n")
	m, _ := NewExec(config.ModelConfig{Command: reported})
	if _, err := m.Infer(context.Background(), testFrames(t, 1)); err == nil || !strings.Contains(err.Error(), "weights missing") {
		t.Fatalf("expected reported error, got %v", err)
	}

	failing := writeScript(t, "cat > /dev/null\necho boom >&2\nexit 3\n")
	m, _ = NewExec(config.ModelConfig{Command: failing})
	if _, err := m.Infer(context.Background(), testFrames(t, 1)); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecRequestEncoding(t *testing.T) {
	req := encodeRequest(testFrames(t, 2), config.ModelConfig{Device: "cpu"})
	if req.Layout != "hwc" || req.Shape[0] != 2 || req.Shape[3] != 3 {
		t.Fatalf("unexpected request header %+v", req.Shape)
	}
	if want := (2*lipread.FrameLen*4 + 2) / 3 * 4; len(req.Data) != want {
		t.Fatalf("encoded data length %d, want %d", len(req.Data), want)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.ModelConfig{Mode: "onnx"}, discardLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewExec(config.ModelConfig{Command: ""}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
