// Package config loads conformance suite definitions from YAML.
//
// A suite names the device runtime, the random seed, the parallelism and a list
// of cases. Each case runs one operator over a set of input shapes on the host-linear
// reference and on every listed target backend:
//
//	device: auto
//	seed: 42
//	jobs: 4
//	limits: {max_image_width: 16384, max_image_height: 16384}
//	cases:
//	  - op: Softmax
//	    shapes: [[1, 256, 256, 3], [5, 211, 107, 1]]
//	    backends: [device-opaque, host-alternate]
//	    tolerance: {abs: 1e-5, rel: 1e-5}
//	    distribution: {kind: normal, mean: 0, std: 1}
package config

import (
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/device/runtimes"
	"github.com/born-ml/opcheck/internal/oracle"
	"github.com/born-ml/opcheck/internal/tensor"
)

// EnvDevice overrides the suite's device runtime when set.
const EnvDevice = "OPCHECK_DEVICE"

// Suite is a conformance suite.
type Suite struct {
	Device string `yaml:"device"`
	Seed   uint64 `yaml:"seed"`
	Jobs   int    `yaml:"jobs"`
	Limits Limits `yaml:"limits"`
	Cases  []Case `yaml:"cases"`
}

// Limits mirrors device.Limits with YAML names. Zero fields take the defaults.
type Limits struct {
	MaxImageWidth  int `yaml:"max_image_width"`
	MaxImageHeight int `yaml:"max_image_height"`
}

// Device converts to device.Limits, filling unset fields with defaults.
func (l Limits) Device() device.Limits {
	out := device.DefaultLimits()
	if l.MaxImageWidth > 0 {
		out.MaxImageWidth = l.MaxImageWidth
	}
	if l.MaxImageHeight > 0 {
		out.MaxImageHeight = l.MaxImageHeight
	}
	return out
}

// Case is one operator checked over several input shapes.
type Case struct {
	Name     string           `yaml:"name"`
	Op       string           `yaml:"op"`
	DType    string           `yaml:"dtype"`
	Shapes   []tensor.Shape   `yaml:"shapes"`
	Backends []tensor.Backend `yaml:"backends"`
	// Tolerance defaults to oracle.OperatorTolerance(Op).
	Tolerance    *oracle.Tolerance `yaml:"tolerance"`
	Distribution *Distribution     `yaml:"distribution"`
}

// Title returns Name, or Op when unnamed.
func (c Case) Title() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Op
}

// DataType resolves DType; empty means float32.
func (c Case) DataType() (tensor.DataType, error) {
	if c.DType == "" {
		return tensor.Float32, nil
	}
	dt, ok := tensor.ParseDataType(c.DType)
	if !ok {
		return 0, errors.Errorf("unknown dtype %q", c.DType)
	}
	return dt, nil
}

// EffectiveTolerance returns the case tolerance or the operator default.
func (c Case) EffectiveTolerance() oracle.Tolerance {
	if c.Tolerance != nil {
		return *c.Tolerance
	}
	return oracle.OperatorTolerance(c.Op)
}

// Distribution selects how random inputs are drawn.
type Distribution struct {
	Kind string  `yaml:"kind"` // normal (default) or uniform
	Mean float64 `yaml:"mean"`
	Std  float64 `yaml:"std"`
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Build returns the tensor.Distribution. A nil receiver is the standard normal.
func (d *Distribution) Build() (tensor.Distribution, error) {
	if d == nil {
		return tensor.StandardNormal, nil
	}
	switch strings.ToLower(d.Kind) {
	case "", "normal", "gaussian":
		std := d.Std
		if std == 0 {
			std = 1
		}
		if std < 0 {
			return nil, errors.Errorf("normal distribution with negative std %g", std)
		}
		return tensor.Normal{Mean: d.Mean, Std: std}, nil
	case "uniform":
		if d.High < d.Low {
			return nil, errors.Errorf("uniform distribution with high %g < low %g", d.High, d.Low)
		}
		return tensor.Uniform{Low: d.Low, High: d.High}, nil
	default:
		return nil, errors.Errorf("unknown distribution %q", d.Kind)
	}
}

// MatrixShapes are the input shapes of the original softmax conformance matrix.
var MatrixShapes = []tensor.Shape{
	{1, 256, 256, 3},
	{1, 128, 128, 16},
	{5, 64, 64, 3},
	{8, 128, 128, 8},
	{1, 113, 107, 13},
	{5, 211, 107, 1},
}

// Default returns the built-in suite: Softmax over the full shape matrix on both
// target backends, plus a small Relu case.
func Default() *Suite {
	return &Suite{
		Device: runtimes.Auto,
		Seed:   1,
		Jobs:   runtime.NumCPU(),
		Cases: []Case{
			{
				Op:       "Softmax",
				Shapes:   slices.Clone(MatrixShapes),
				Backends: []tensor.Backend{tensor.DeviceOpaque, tensor.HostAlternate},
			},
			{
				Op:       "Relu",
				Shapes:   []tensor.Shape{{1, 1, 2, 4}, {2, 17, 9, 5}},
				Backends: []tensor.Backend{tensor.DeviceOpaque, tensor.HostAlternate},
			},
		},
	}
}

// Parse decodes a suite from YAML and fills unset fields with defaults.
// A document without cases keeps the default cases.
func Parse(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "config: parse suite")
	}
	def := Default()
	if s.Device == "" {
		s.Device = def.Device
	}
	if s.Jobs == 0 {
		s.Jobs = def.Jobs
	}
	if len(s.Cases) == 0 {
		s.Cases = def.Cases
	}
	return &s, nil
}

// Load reads and parses the suite at path.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return s, nil
}

// ApplyEnv applies environment overrides.
func (s *Suite) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDevice)); v != "" {
		s.Device = v
	}
}

// Validate checks the suite for errors a run would only hit halfway through.
func (s *Suite) Validate() error {
	if !slices.Contains(runtimes.Names(), strings.ToLower(s.Device)) {
		return errors.Errorf("config: unknown device %q (known: %s)", s.Device, strings.Join(runtimes.Names(), ", "))
	}
	if s.Jobs < 1 {
		return errors.Errorf("config: jobs must be >= 1, got %d", s.Jobs)
	}
	if s.Limits.MaxImageWidth < 0 || s.Limits.MaxImageHeight < 0 {
		return errors.Errorf("config: negative image limits %+v", s.Limits)
	}
	if len(s.Cases) == 0 {
		return errors.New("config: no cases")
	}
	for i, c := range s.Cases {
		if err := c.validate(); err != nil {
			return errors.WithMessagef(err, "config: case %d (%s)", i, c.Title())
		}
	}
	return nil
}

func (c Case) validate() error {
	if c.Op == "" {
		return errors.New("missing op")
	}
	dt, err := c.DataType()
	if err != nil {
		return err
	}
	if len(c.Backends) == 0 {
		return errors.New("no target backends")
	}
	for _, b := range c.Backends {
		if b == tensor.HostLinear {
			return errors.New("host-linear is the reference, not a target")
		}
	}
	if len(c.Shapes) == 0 {
		return errors.New("no shapes")
	}
	for _, s := range c.Shapes {
		if err := s.Validate(dt.Size()); err != nil {
			return err
		}
		if s.Rank() != 4 {
			return errors.Errorf("shape %s: cross-backend cases need (N, H, W, C) shapes", s)
		}
	}
	if tol := c.Tolerance; tol != nil && (tol.Abs < 0 || tol.Rel < 0) {
		return errors.Errorf("negative tolerance %s", tol)
	}
	if _, err := c.Distribution.Build(); err != nil {
		return err
	}
	return nil
}
