package suite

import (
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/oracle"
	"github.com/born-ml/opcheck/internal/tensor"
)

// Report is the outcome of a suite run.
type Report struct {
	ID       uuid.UUID     `json:"id"`
	Device   string        `json:"device"`
	Seed     uint64        `json:"seed"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Results  []Result      `json:"results"`
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	if res.Passed() {
		r.Passed++
	} else {
		r.Failed++
	}
}

// OK reports whether every unit passed.
func (r *Report) OK() bool { return r.Failed == 0 }

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(r), "suite: encode report")
}

// WriteFile writes the report as JSON to path.
func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "suite: create report")
	}
	if err := r.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "suite: close %s", path)
}

// ReadReport decodes a report written by WriteJSON.
func ReadReport(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "suite: decode report")
	}
	return &r, nil
}

// Result is one case run on one input shape.
type Result struct {
	Case     string          `json:"case"`
	Op       string          `json:"op"`
	Shape    tensor.Shape    `json:"shape"`
	Seed     uint64          `json:"seed"`
	Duration time.Duration   `json:"duration_ns"`
	Error    string          `json:"error,omitempty"`
	Backends []BackendResult `json:"backends,omitempty"`
}

// Passed reports whether the reference ran and every backend agreed with it.
func (r Result) Passed() bool {
	if r.Error != "" {
		return false
	}
	for _, b := range r.Backends {
		if !b.Passed() {
			return false
		}
	}
	return true
}

// BackendResult is one target backend of a Result.
type BackendResult struct {
	Backend   tensor.Backend   `json:"backend"`
	Tolerance oracle.Tolerance `json:"tolerance"`
	Duration  time.Duration    `json:"duration_ns"`
	Error     string           `json:"error,omitempty"`
	Verdict   *Verdict         `json:"verdict,omitempty"`
	// Dump is the SafeTensors file written for a disagreeing backend.
	Dump string `json:"dump,omitempty"`
}

// Passed reports whether the backend ran and agreed with the reference.
func (b BackendResult) Passed() bool {
	return b.Error == "" && b.Verdict != nil && b.Verdict.Kind == oracle.Equal.String()
}

// Verdict is the JSON form of an oracle.Verdict. Element values can be NaN, which
// JSON cannot carry, so they only appear in Summary.
type Verdict struct {
	Kind       string  `json:"kind"`
	Summary    string  `json:"summary"`
	Index      int     `json:"index"`
	Coord      []int   `json:"coord,omitempty"`
	Compared   int     `json:"compared"`
	Mismatches int     `json:"mismatches"`
	MaxAbsDiff float64 `json:"max_abs_diff"`
}

func newVerdict(v oracle.Verdict) *Verdict {
	return &Verdict{
		Kind:       v.Kind.String(),
		Summary:    v.String(),
		Index:      v.Index,
		Coord:      v.Coord,
		Compared:   v.Compared,
		Mismatches: v.Mismatches,
		MaxAbsDiff: v.MaxAbsDiff,
	}
}
