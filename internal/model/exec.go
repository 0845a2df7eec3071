package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
)

type execModel struct {
	cmd []string
	cfg config.ModelConfig
	mu  sync.Mutex
}

type execRequest struct {
	Shape      []int  `json:"shape"`
	Layout     string `json:"layout"`
	Data       string `json:"data"`
	Device     string `json:"device,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

type execResponse struct {
	Scores [][]float64 `json:"scores"`
	Error  string      `json:"error"`
}

// NewExec returns a backend that runs cfg.Command once per inference, writing
// the frames to stdin and reading scores from stdout.
func NewExec(cfg config.ModelConfig) (lipread.Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return &execModel{cmd: args, cfg: cfg}, nil
}

func (m *execModel) Infer(ctx context.Context, frames []lipread.Frame) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	payload, err := json.Marshal(encodeRequest(frames, m.cfg))
	if err != nil {
		return nil, fmt.Errorf("encode model request: %w", err)
	}

	command := exec.CommandContext(ctx, m.cmd[0], m.cmd[1:]...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdin = bytes.NewReader(payload)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model command: %s", resp.Error)
	}
	return resp.Scores, nil
}

func (m *execModel) Describe() lipread.ModelInfo {
	return lipread.ModelInfo{
		Family:           Family,
		Backend:          "exec",
		Device:           m.cfg.Device,
		NumClasses:       m.cfg.NumClasses,
		CheckpointLoaded: m.cfg.CheckpointPath != "",
	}
}

func encodeRequest(frames []lipread.Frame, cfg config.ModelConfig) execRequest {
	buf := make([]byte, 0, len(frames)*lipread.FrameLen*4)
	var scratch []float32
	for _, f := range frames {
		scratch = f.AppendPixels(scratch[:0])
		for _, v := range scratch {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return execRequest{
		Shape:      []int{len(frames), lipread.FrameSize, lipread.FrameSize, lipread.FrameChannels},
		Layout:     "hwc",
		Data:       base64.StdEncoding.EncodeToString(buf),
		Device:     cfg.Device,
		Checkpoint: cfg.CheckpointPath,
	}
}
