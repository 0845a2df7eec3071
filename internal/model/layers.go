package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const bnEpsilon = 1e-5

// fmap is a single CHW feature map.
type fmap struct {
	c, h, w int
	data    []float64
}

func (f fmap) at(c, y, x int) float64 {
	return f.data[(c*f.h+y)*f.w+x]
}

// param is a named tensor in row-major order.
type param struct {
	name  string
	shape []int
	data  []float64
}

func newParam(name string, shape ...int) *param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &param{name: name, shape: shape, data: make([]float64, n)}
}

type conv2d struct {
	in, out        int
	k, stride, pad int
	weight, bias   *param
}

func newConv2d(name string, in, out, k, stride, pad int) *conv2d {
	return &conv2d{
		in: in, out: out, k: k, stride: stride, pad: pad,
		weight: newParam(name+".weight", out, in, k, k),
		bias:   newParam(name+".bias", out),
	}
}

func (c *conv2d) outSize(n int) int {
	return (n+2*c.pad-c.k)/c.stride + 1
}

// forward lowers the input with im2col and runs one GEMM.
func (c *conv2d) forward(x fmap) fmap {
	oh, ow := c.outSize(x.h), c.outSize(x.w)
	rows := c.in * c.k * c.k
	cols := mat.NewDense(rows, oh*ow, nil)
	raw := cols.RawMatrix()
	for ch := 0; ch < c.in; ch++ {
		for ky := 0; ky < c.k; ky++ {
			for kx := 0; kx < c.k; kx++ {
				row := raw.Data[((ch*c.k+ky)*c.k+kx)*raw.Stride:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.pad + ky
					if iy < 0 || iy >= x.h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.pad + kx
						if ix < 0 || ix >= x.w {
							continue
						}
						row[oy*ow+ox] = x.at(ch, iy, ix)
					}
				}
			}
		}
	}

	w := mat.NewDense(c.out, rows, c.weight.data)
	var out mat.Dense
	out.Mul(w, cols)

	data := make([]float64, 0, c.out*oh*ow)
	for o := 0; o < c.out; o++ {
		row := out.RawRowView(o)
		b := c.bias.data[o]
		for _, v := range row {
			data = append(data, v+b)
		}
	}
	return fmap{c: c.out, h: oh, w: ow, data: data}
}

type batchNorm struct {
	weight, bias, mean, variance *param
}

func newBatchNorm(name string, n int) *batchNorm {
	return &batchNorm{
		weight:   newParam(name+".weight", n),
		bias:     newParam(name+".bias", n),
		mean:     newParam(name+".running_mean", n),
		variance: newParam(name+".running_var", n),
	}
}

// forwardReLU applies inference-mode batch norm followed by ReLU in place.
func (b *batchNorm) forwardReLU(x fmap) fmap {
	plane := x.h * x.w
	for c := 0; c < x.c; c++ {
		scale := b.weight.data[c] / math.Sqrt(b.variance.data[c]+bnEpsilon)
		shift := b.bias.data[c] - b.mean.data[c]*scale
		seg := x.data[c*plane : (c+1)*plane]
		for i, v := range seg {
			v = v*scale + shift
			if v < 0 {
				v = 0
			}
			seg[i] = v
		}
	}
	return x
}

func maxPool(x fmap, k, stride, pad int) fmap {
	oh := (x.h+2*pad-k)/stride + 1
	ow := (x.w+2*pad-k)/stride + 1
	out := fmap{c: x.c, h: oh, w: ow, data: make([]float64, x.c*oh*ow)}
	for c := 0; c < x.c; c++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := math.Inf(-1)
				for ky := 0; ky < k; ky++ {
					iy := oy*stride - pad + ky
					if iy < 0 || iy >= x.h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= x.w {
							continue
						}
						best = math.Max(best, x.at(c, iy, ix))
					}
				}
				out.data[(c*oh+oy)*ow+ox] = best
			}
		}
	}
	return out
}

func globalAvgPool(x fmap) []float64 {
	plane := x.h * x.w
	out := make([]float64, x.c)
	for c := range out {
		out[c] = floats.Sum(x.data[c*plane:(c+1)*plane]) / float64(plane)
	}
	return out
}

// lstmCell holds one direction of one LSTM layer. Gate rows are stacked in
// the order input, forget, cell, output.
type lstmCell struct {
	in, hidden int
	weightIH   *param
	weightHH   *param
	biasIH     *param
	biasHH     *param
}

func newLSTMCell(suffix string, in, hidden int) *lstmCell {
	return &lstmCell{
		in: in, hidden: hidden,
		weightIH: newParam("lstm.weight_ih_"+suffix, 4*hidden, in),
		weightHH: newParam("lstm.weight_hh_"+suffix, 4*hidden, hidden),
		biasIH:   newParam("lstm.bias_ih_"+suffix, 4*hidden),
		biasHH:   newParam("lstm.bias_hh_"+suffix, 4*hidden),
	}
}

// run walks xs forwards, or backwards when reverse is set, and returns the
// hidden state for every position in input order.
func (l *lstmCell) run(xs [][]float64, reverse bool) [][]float64 {
	steps := len(xs)
	h := l.hidden
	wih := mat.NewDense(4*h, l.in, l.weightIH.data)
	whh := mat.NewDense(4*h, h, l.weightHH.data)

	bias := make([]float64, 4*h)
	floats.AddTo(bias, l.biasIH.data, l.biasHH.data)

	hidden := mat.NewVecDense(h, nil)
	cell := make([]float64, h)
	gates := mat.NewVecDense(4*h, nil)
	rec := mat.NewVecDense(4*h, nil)
	out := make([][]float64, steps)

	for s := 0; s < steps; s++ {
		t := s
		if reverse {
			t = steps - 1 - s
		}
		gates.MulVec(wih, mat.NewVecDense(l.in, xs[t]))
		rec.MulVec(whh, hidden)
		g := gates.RawVector().Data
		floats.Add(g, rec.RawVector().Data)
		floats.Add(g, bias)

		hv := hidden.RawVector().Data
		for j := 0; j < h; j++ {
			ig := sigmoid(g[j])
			fg := sigmoid(g[h+j])
			cg := math.Tanh(g[2*h+j])
			og := sigmoid(g[3*h+j])
			cell[j] = fg*cell[j] + ig*cg
			hv[j] = og * math.Tanh(cell[j])
		}
		out[t] = append([]float64(nil), hv...)
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

type linear struct {
	in, out      int
	weight, bias *param
}

func newLinear(name string, in, out int) *linear {
	return &linear{
		in: in, out: out,
		weight: newParam(name+".weight", out, in),
		bias:   newParam(name+".bias", out),
	}
}

func (l *linear) forward(x []float64) []float64 {
	w := mat.NewDense(l.out, l.in, l.weight.data)
	y := mat.NewVecDense(l.out, nil)
	y.MulVec(w, mat.NewVecDense(l.in, x))
	out := y.RawVector().Data
	floats.Add(out, l.bias.data)
	return out
}
