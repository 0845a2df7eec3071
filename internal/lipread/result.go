package lipread

const (
	// UnclearText is reported when no sequence step clears the threshold.
	UnclearText = "unclear"
	// NoFaceText is reported when the localizer finds no mouth region.
	NoFaceText = "No face detected"
)

// Outcome tags a Result so sentinel results are distinguishable from genuine
// low-confidence predictions.
type Outcome int

const (
	OutcomePrediction Outcome = iota
	OutcomeNoSignal
	OutcomeUnclear
	OutcomeNoFace
)

func (o Outcome) String() string {
	switch o {
	case OutcomePrediction:
		return "prediction"
	case OutcomeNoSignal:
		return "no_signal"
	case OutcomeUnclear:
		return "unclear"
	case OutcomeNoFace:
		return "no_face"
	default:
		return "unknown"
	}
}

// Mode is the inference mode chosen for a request.
type Mode int

const (
	ModeSingle Mode = iota
	ModeSequence
)

func (m Mode) String() string {
	if m == ModeSequence {
		return "sequence"
	}
	return "single"
}

// Result is a decoded prediction. It is created per request and never mutated.
type Result struct {
	Text       string
	Confidence float64
	Outcome    Outcome
	Mode       Mode
	// Steps is the number of model time steps the result was decoded from.
	Steps int
}

// NoSignal is the ("", 0) sentinel.
func NoSignal(mode Mode) Result {
	return Result{Outcome: OutcomeNoSignal, Mode: mode}
}

// Unclear is the ("unclear", 0) sentinel of sequence decoding.
func Unclear(steps int) Result {
	return Result{Text: UnclearText, Outcome: OutcomeUnclear, Mode: ModeSequence, Steps: steps}
}

// NoFace is the sentinel for frames in which no mouth region was found.
func NoFace() Result {
	return Result{Text: NoFaceText, Outcome: OutcomeNoFace}
}

// IsSentinel reports whether r signals "no usable prediction".
func (r Result) IsSentinel() bool {
	return r.Outcome != OutcomePrediction
}
