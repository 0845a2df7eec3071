// Package mock provides a scripted lipread.Model for tests.
package mock

import (
	"context"
	"math"
	"sync"

	"github.com/loqalabs/lipread/internal/lipread"
)

// Step scripts one time step: Class receives probability Prob after softmax
// and the remaining mass is spread evenly.
type Step struct {
	Class int
	Prob  float64
}

// Model returns scripted scores. When a call has more frames than Steps, the
// last step repeats. A single-frame call always sees the last step.
type Model struct {
	Steps      []Step
	NumClasses int
	Err        error

	mu    sync.Mutex
	calls []int
}

func (m *Model) Infer(_ context.Context, frames []lipread.Frame) ([][]float64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, len(frames))
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([][]float64, len(frames))
	for t := range frames {
		idx := min(t, len(m.Steps)-1)
		if len(frames) == 1 {
			idx = len(m.Steps) - 1
		}
		out[t] = logits(m.Steps[idx], m.NumClasses)
	}
	return out, nil
}

func (m *Model) Describe() lipread.ModelInfo {
	return lipread.ModelInfo{Family: "CNN-LSTM", Backend: "mock", Device: "cpu", NumClasses: m.NumClasses}
}

// Calls returns the frame count of every Infer call so far.
func (m *Model) Calls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.calls...)
}

func logits(s Step, n int) []float64 {
	rest := math.Log((1 - s.Prob) / float64(n-1))
	row := make([]float64, n)
	for i := range row {
		row[i] = rest
	}
	row[s.Class] = math.Log(s.Prob)
	return row
}
