package lipread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrStepMismatch is returned when a model yields fewer time steps than the
// frames it was given.
var ErrStepMismatch = errors.New("model returned fewer steps than frames")

// ModelInfo describes a loaded model backend.
type ModelInfo struct {
	Family           string
	Backend          string
	Device           string
	NumClasses       int
	CheckpointLoaded bool
}

// Model maps an ordered frame sequence to per-step class scores (logits).
// Implementations must not retain frames after Infer returns.
type Model interface {
	Infer(ctx context.Context, frames []Frame) ([][]float64, error)
	Describe() ModelInfo
}

// Engine wraps a Model with the vocabulary and decoding policy.
type Engine struct {
	model  Model
	vocab  Vocabulary
	policy Policy
	log    *slog.Logger
}

func NewEngine(model Model, vocab Vocabulary, policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		model:  model,
		vocab:  vocab,
		policy: policy,
		log:    logger.With(slog.String("component", "lipread-engine")),
	}
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) Vocabulary() Vocabulary { return e.vocab }

func (e *Engine) Model() ModelInfo { return e.model.Describe() }

// PredictSingle runs the model over f as a one-step sequence. An empty frame
// yields the no-signal sentinel.
func (e *Engine) PredictSingle(ctx context.Context, f Frame) (Result, error) {
	if f.IsEmpty() {
		return NoSignal(ModeSingle), nil
	}
	steps, err := e.infer(ctx, []Frame{f})
	if err != nil {
		return Result{}, err
	}
	return DecodeSingle(steps, e.vocab), nil
}

// PredictSequence decodes frames when at least SequenceMinFrames are present;
// shorter sequences yield the no-signal sentinel without invoking the model.
func (e *Engine) PredictSequence(ctx context.Context, frames []Frame) (Result, error) {
	if len(frames) < e.policy.SequenceMinFrames {
		return NoSignal(ModeSequence), nil
	}
	for _, f := range frames {
		if f.IsEmpty() {
			return NoSignal(ModeSequence), nil
		}
	}
	steps, err := e.infer(ctx, frames)
	if err != nil {
		return Result{}, err
	}
	return DecodeSequence(steps, e.vocab, e.policy.ConfidenceThreshold), nil
}

// PredictWindow applies mode selection to a window snapshot: sequence
// decoding once enough context is buffered, otherwise the newest frame alone.
func (e *Engine) PredictWindow(ctx context.Context, frames []Frame) (Result, error) {
	if len(frames) == 0 {
		return NoSignal(ModeSingle), nil
	}
	if e.policy.SelectMode(len(frames)) == ModeSequence {
		return e.PredictSequence(ctx, frames)
	}
	return e.PredictSingle(ctx, frames[len(frames)-1])
}

func (e *Engine) infer(ctx context.Context, frames []Frame) ([]Step, error) {
	scores, err := e.model.Infer(ctx, frames)
	if err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	if len(scores) < len(frames) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrStepMismatch, len(scores), len(frames))
	}
	steps := make([]Step, len(scores))
	for i, s := range scores {
		steps[i] = Argmax(s)
	}
	e.log.Debug("model inference complete", slog.Int("frames", len(frames)), slog.Int("steps", len(steps)))
	return steps, nil
}
