package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/loqalabs/lipread/internal/lipread"
)

// Family is the model family reported by every backend.
const Family = "CNN-LSTM"

// Architecture sizes the native network. Input frames are always
// lipread.FrameSize square with lipread.FrameChannels channels.
type Architecture struct {
	Channels   [4]int
	Hidden     int
	Layers     int
	NumClasses int
	Seed       uint64
}

func DefaultArchitecture(numClasses int, seed uint64) Architecture {
	return Architecture{
		Channels:   [4]int{64, 128, 256, 512},
		Hidden:     256,
		Layers:     2,
		NumClasses: numClasses,
		Seed:       seed,
	}
}

func (a Architecture) validate() error {
	for i, c := range a.Channels {
		if c <= 0 {
			return fmt.Errorf("channels[%d] must be positive", i)
		}
	}
	if a.Hidden <= 0 || a.Layers <= 0 || a.NumClasses <= 0 {
		return fmt.Errorf("hidden, layers and num_classes must be positive")
	}
	return nil
}

// Network is the CNN front end plus bidirectional LSTM and classifier,
// evaluated in inference mode on the CPU.
type Network struct {
	arch Architecture

	mu     sync.RWMutex
	convs  [4]*conv2d
	norms  [4]*batchNorm
	lstm   [][2]*lstmCell
	fc     *linear
	params []*param
	loaded bool
}

func NewNetwork(arch Architecture) (*Network, error) {
	if err := arch.validate(); err != nil {
		return nil, fmt.Errorf("invalid architecture: %w", err)
	}
	ch := arch.Channels
	n := &Network{arch: arch}
	n.convs = [4]*conv2d{
		newConv2d("conv1", lipread.FrameChannels, ch[0], 7, 2, 3),
		newConv2d("conv2", ch[0], ch[1], 3, 1, 1),
		newConv2d("conv3", ch[1], ch[2], 3, 2, 1),
		newConv2d("conv4", ch[2], ch[3], 3, 2, 1),
	}
	for i := range n.norms {
		n.norms[i] = newBatchNorm(fmt.Sprintf("bn%d", i+1), ch[i])
	}
	in := ch[3]
	for l := 0; l < arch.Layers; l++ {
		n.lstm = append(n.lstm, [2]*lstmCell{
			newLSTMCell(fmt.Sprintf("l%d", l), in, arch.Hidden),
			newLSTMCell(fmt.Sprintf("l%d_reverse", l), in, arch.Hidden),
		})
		in = 2 * arch.Hidden
	}
	n.fc = newLinear("fc", 2*arch.Hidden, arch.NumClasses)

	for i := range n.convs {
		n.params = append(n.params, n.convs[i].weight, n.convs[i].bias)
		b := n.norms[i]
		n.params = append(n.params, b.weight, b.bias, b.mean, b.variance)
	}
	for _, layer := range n.lstm {
		for _, cell := range layer {
			n.params = append(n.params, cell.weightIH, cell.weightHH, cell.biasIH, cell.biasHH)
		}
	}
	n.params = append(n.params, n.fc.weight, n.fc.bias)

	n.initialize(arch.Seed)
	return n, nil
}

// initialize draws weights with the default bounds used by common training
// frameworks so an untrained network still produces spread-out scores.
func (n *Network) initialize(seed uint64) {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	fill := func(p *param, bound float64) {
		u := distuv.Uniform{Min: -bound, Max: bound, Src: src}
		for i := range p.data {
			p.data[i] = u.Rand()
		}
	}
	for _, c := range n.convs {
		bound := 1 / math.Sqrt(float64(c.in*c.k*c.k))
		fill(c.weight, bound)
		fill(c.bias, bound)
	}
	for _, b := range n.norms {
		for i := range b.weight.data {
			b.weight.data[i] = 1
			b.bias.data[i] = 0
			b.mean.data[i] = 0
			b.variance.data[i] = 1
		}
	}
	bound := 1 / math.Sqrt(float64(n.arch.Hidden))
	for _, layer := range n.lstm {
		for _, cell := range layer {
			fill(cell.weightIH, bound)
			fill(cell.weightHH, bound)
			fill(cell.biasIH, bound)
			fill(cell.biasHH, bound)
		}
	}
	fcBound := 1 / math.Sqrt(float64(n.fc.in))
	fill(n.fc.weight, fcBound)
	fill(n.fc.bias, fcBound)
}

func (n *Network) Architecture() Architecture { return n.arch }

// Forward returns per-step logits for frames. The CNN runs on every frame
// concurrently, bounded by GOMAXPROCS.
func (n *Network) Forward(ctx context.Context, frames []lipread.Frame) ([][]float64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for i, f := range frames {
		if f.IsEmpty() {
			return nil, fmt.Errorf("frame %d is empty", i)
		}
	}

	features := make([][]float64, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, f := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			features[i] = n.extract(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seq := features
	for _, layer := range n.lstm {
		fwd := layer[0].run(seq, false)
		bwd := layer[1].run(seq, true)
		next := make([][]float64, len(seq))
		for t := range seq {
			next[t] = append(append(make([]float64, 0, 2*n.arch.Hidden), fwd[t]...), bwd[t]...)
		}
		seq = next
	}

	out := make([][]float64, len(seq))
	for t, h := range seq {
		out[t] = n.fc.forward(h)
	}
	return out, nil
}

func (n *Network) extract(f lipread.Frame) []float64 {
	const size = lipread.FrameSize
	x := fmap{c: lipread.FrameChannels, h: size, w: size, data: make([]float64, lipread.FrameLen)}
	for y := 0; y < size; y++ {
		for xx := 0; xx < size; xx++ {
			for c := 0; c < lipread.FrameChannels; c++ {
				x.data[(c*size+y)*size+xx] = float64(f.At(y, xx, c))
			}
		}
	}
	x = n.norms[0].forwardReLU(n.convs[0].forward(x))
	x = maxPool(x, 3, 2, 1)
	for i := 1; i < len(n.convs); i++ {
		x = n.norms[i].forwardReLU(n.convs[i].forward(x))
	}
	return globalAvgPool(x)
}

func (n *Network) param(name string) *param {
	for _, p := range n.params {
		if p.name == name {
			return p
		}
	}
	return nil
}
