package lipread

import (
	"errors"
	"math"
	"strings"
)

// Policy holds the tunable constants of the decoding pipeline.
type Policy struct {
	WindowCapacity      int
	SequenceMinFrames   int
	ConfidenceThreshold float64
}

func DefaultPolicy() Policy {
	return Policy{
		WindowCapacity:      10,
		SequenceMinFrames:   5,
		ConfidenceThreshold: 0.3,
	}
}

func (p Policy) Validate() error {
	if p.WindowCapacity < 1 {
		return errors.New("window capacity must be >= 1")
	}
	if p.SequenceMinFrames < 1 {
		return errors.New("sequence min frames must be >= 1")
	}
	if p.SequenceMinFrames > p.WindowCapacity {
		return errors.New("sequence min frames must not exceed window capacity")
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold >= 1 {
		return errors.New("confidence threshold must be in [0,1)")
	}
	return nil
}

// SelectMode picks sequence decoding once enough frames are buffered.
func (p Policy) SelectMode(buffered int) Mode {
	if buffered >= p.SequenceMinFrames {
		return ModeSequence
	}
	return ModeSingle
}

// Step is the arg-max class of one time step and its probability.
type Step struct {
	Class      int
	Confidence float64
}

// Softmax returns the probability distribution of scores.
func Softmax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	peak := math.Inf(-1)
	for _, s := range scores {
		peak = math.Max(peak, s)
	}
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax applies softmax to scores and returns the most likely class. Ties
// resolve to the lowest index.
func Argmax(scores []float64) Step {
	probs := Softmax(scores)
	best := Step{Class: -1}
	for i, p := range probs {
		if best.Class < 0 || p > best.Confidence {
			best = Step{Class: i, Confidence: p}
		}
	}
	return best
}

// DecodeSingle reports the token of the final step.
func DecodeSingle(steps []Step, vocab Vocabulary) Result {
	if len(steps) == 0 {
		return NoSignal(ModeSingle)
	}
	last := steps[len(steps)-1]
	return Result{
		Text:       vocab.Token(last.Class),
		Confidence: last.Confidence,
		Outcome:    OutcomePrediction,
		Mode:       ModeSingle,
		Steps:      len(steps),
	}
}

// DecodeSequence keeps the steps whose confidence is strictly above threshold,
// joins their tokens with single spaces and averages the kept confidences.
func DecodeSequence(steps []Step, vocab Vocabulary, threshold float64) Result {
	if len(steps) == 0 {
		return NoSignal(ModeSequence)
	}
	var (
		words []string
		sum   float64
	)
	for _, s := range steps {
		if s.Confidence > threshold {
			words = append(words, vocab.Token(s.Class))
			sum += s.Confidence
		}
	}
	if len(words) == 0 {
		return Unclear(len(steps))
	}
	return Result{
		Text:       strings.Join(words, " "),
		Confidence: sum / float64(len(words)),
		Outcome:    OutcomePrediction,
		Mode:       ModeSequence,
		Steps:      len(steps),
	}
}
