// Package optimizer searches the tunable parameter space with the
// backtester and validates winners with walk-forward and Monte Carlo runs.
package optimizer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"spot-trading-core/internal/params"
)

// ErrEmptySpace is returned for a space without dimensions or values.
var ErrEmptySpace = errors.New("parameter space is empty")

// Dimension is one tunable and the discrete values it may take.
type Dimension struct {
	Name   string    `yaml:"name" json:"name"`
	Values []float64 `yaml:"values" json:"values"`
}

// Space is the Cartesian product of its dimensions. Points are numbered
// in mixed radix with the last dimension varying fastest.
type Space struct {
	dims []Dimension
}

// NewSpace validates dims and returns a space over them. Values are sorted
// ascending so that neighbors are adjacent values.
func NewSpace(dims ...Dimension) (*Space, error) {
	if len(dims) == 0 {
		return nil, ErrEmptySpace
	}
	known := make(map[string]bool)
	for _, name := range params.TunableNames() {
		known[name] = true
	}
	seen := make(map[string]bool)
	out := make([]Dimension, 0, len(dims))
	for _, d := range dims {
		if !known[d.Name] {
			return nil, fmt.Errorf("unknown parameter %q", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("parameter %q listed twice", d.Name)
		}
		if len(d.Values) == 0 {
			return nil, fmt.Errorf("parameter %q: %w", d.Name, ErrEmptySpace)
		}
		seen[d.Name] = true
		vals := append([]float64(nil), d.Values...)
		sort.Float64s(vals)
		out = append(out, Dimension{Name: d.Name, Values: vals})
	}
	return &Space{dims: out}, nil
}

// DefaultSpace covers the entry threshold, RSI levels, exits and sizing.
func DefaultSpace() *Space {
	s, err := NewSpace(
		Dimension{Name: params.ConfidenceThreshold, Values: []float64{0.5, 0.55, 0.6, 0.65, 0.7}},
		Dimension{Name: params.RSIOversold, Values: []float64{20, 25, 30, 35}},
		Dimension{Name: params.RSIOverbought, Values: []float64{65, 70, 75, 80}},
		Dimension{Name: params.StopLossPct, Values: []float64{0.01, 0.015, 0.02, 0.03}},
		Dimension{Name: params.TakeProfitPct, Values: []float64{0.02, 0.03, 0.04, 0.06}},
		Dimension{Name: params.PositionSizePct, Values: []float64{0.5, 0.75, 0.95}},
	)
	if err != nil {
		panic(err)
	}
	return s
}

type spaceFile struct {
	Dimensions []Dimension `yaml:"dimensions"`
}

// LoadSpace reads a YAML space descriptor:
//
//	dimensions:
//	  - name: rsi_oversold
//	    values: [20, 25, 30]
func LoadSpace(r io.Reader) (*Space, error) {
	var f spaceFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode space: %w", err)
	}
	return NewSpace(f.Dimensions...)
}

// LoadSpaceFile reads a YAML space descriptor from path.
func LoadSpaceFile(path string) (*Space, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSpace(f)
}

// Dimensions returns a copy of the dimensions.
func (s *Space) Dimensions() []Dimension {
	out := make([]Dimension, len(s.dims))
	for i, d := range s.dims {
		out[i] = Dimension{Name: d.Name, Values: append([]float64(nil), d.Values...)}
	}
	return out
}

// Size returns the number of points, saturating at math.MaxInt.
func (s *Space) Size() int {
	n := 1
	for _, d := range s.dims {
		if n > math.MaxInt/len(d.Values) {
			return math.MaxInt
		}
		n *= len(d.Values)
	}
	return n
}

// At returns point i.
func (s *Space) At(i int) params.Values {
	v := make(params.Values, len(s.dims))
	for d := len(s.dims) - 1; d >= 0; d-- {
		k := len(s.dims[d].Values)
		v[s.dims[d].Name] = s.dims[d].Values[i%k]
		i /= k
	}
	return v
}

// IndexOf returns the point number of v, or false if any dimension value
// is missing or not part of the space.
func (s *Space) IndexOf(v params.Values) (int, bool) {
	idx := 0
	for _, d := range s.dims {
		val, ok := v[d.Name]
		if !ok {
			return 0, false
		}
		pos := d.position(val)
		if pos < 0 {
			return 0, false
		}
		idx = idx*len(d.Values) + pos
	}
	return idx, true
}

// Neighbor returns v with dimension dim moved by step positions, clamped
// to the dimension's range.
func (s *Space) Neighbor(v params.Values, dim, step int) params.Values {
	out := v.Clone()
	d := s.dims[dim]
	pos := d.nearest(v.Get(d.Name, d.Values[0])) + step
	if pos < 0 {
		pos = 0
	}
	if pos >= len(d.Values) {
		pos = len(d.Values) - 1
	}
	out[d.Name] = d.Values[pos]
	return out
}

// position returns the index of val, or -1.
func (d Dimension) position(val float64) int {
	for i, x := range d.Values {
		if math.Abs(x-val) <= 1e-12*math.Max(1, math.Abs(x)) {
			return i
		}
	}
	return -1
}

func (d Dimension) nearest(val float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, x := range d.Values {
		if dist := math.Abs(x - val); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func (d Dimension) draw(rng *rand.Rand) float64 {
	return d.Values[rng.Intn(len(d.Values))]
}

// Sampler draws points from a space. Implementations must only use rng
// for randomness so that searches are reproducible for a seed.
type Sampler interface {
	Sample(rng *rand.Rand, s *Space) params.Values
}

// UniformSampler draws every dimension independently and uniformly.
type UniformSampler struct{}

func (UniformSampler) Sample(rng *rand.Rand, s *Space) params.Values {
	v := make(params.Values, len(s.dims))
	for _, d := range s.dims {
		v[d.Name] = d.draw(rng)
	}
	return v
}
