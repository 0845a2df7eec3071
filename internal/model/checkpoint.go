package model

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const checkpointVersion = 1

// Tensor is one named parameter as stored on disk.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

type checkpointFile struct {
	Version int
	Family  string
	Tensors []Tensor
}

var ErrCheckpointMismatch = errors.New("checkpoint does not match architecture")

// LoadCheckpoint replaces the network parameters with those stored at path.
// Every tensor is validated before any is applied, so a failed load leaves
// the network untouched.
func (n *Network) LoadCheckpoint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	var file checkpointFile
	if err := gob.NewDecoder(f).Decode(&file); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if file.Version != checkpointVersion {
		return fmt.Errorf("unsupported checkpoint version %d", file.Version)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	byName := make(map[string]Tensor, len(file.Tensors))
	for _, t := range file.Tensors {
		// Batch-norm step counters carry no inference state.
		if strings.HasSuffix(t.Name, ".num_batches_tracked") {
			continue
		}
		p := n.param(t.Name)
		if p == nil {
			return fmt.Errorf("%w: unexpected tensor %q", ErrCheckpointMismatch, t.Name)
		}
		if !slices.Equal(p.shape, t.Shape) || len(t.Data) != len(p.data) {
			return fmt.Errorf("%w: tensor %q has shape %v, want %v", ErrCheckpointMismatch, t.Name, t.Shape, p.shape)
		}
		byName[t.Name] = t
	}
	for _, p := range n.params {
		if _, ok := byName[p.name]; !ok {
			return fmt.Errorf("%w: missing tensor %q", ErrCheckpointMismatch, p.name)
		}
	}

	for _, p := range n.params {
		for i, v := range byName[p.name].Data {
			p.data[i] = float64(v)
		}
	}
	n.loaded = true
	return nil
}

// SaveCheckpoint writes the current parameters to path.
func (n *Network) SaveCheckpoint(path string) error {
	n.mu.RLock()
	file := checkpointFile{Version: checkpointVersion, Family: Family}
	for _, p := range n.params {
		data := make([]float32, len(p.data))
		for i, v := range p.data {
			data[i] = float32(v)
		}
		file.Tensors = append(file.Tensors, Tensor{Name: p.name, Shape: slices.Clone(p.shape), Data: data})
	}
	n.mu.RUnlock()

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(file); err != nil {
		f.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return f.Close()
}

// Loaded reports whether parameters came from a checkpoint.
func (n *Network) Loaded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loaded
}

// ParamNames lists parameter names in checkpoint order.
func (n *Network) ParamNames() []string {
	names := make([]string, len(n.params))
	for i, p := range n.params {
		names[i] = p.name
	}
	return names
}
