// Package suite runs conformance suites: every case of a config.Suite is executed on
// the host-linear reference and on each target backend, and the results are compared
// with the oracle.
package suite

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/config"
	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/harness"
	"github.com/born-ml/opcheck/internal/layout"
	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/oracle"
	"github.com/born-ml/opcheck/internal/tensor"
	"github.com/born-ml/opcheck/internal/workspace"
)

// Runner executes suites against a registry and a device runtime.
// The runtime must accept calls from several goroutines when Jobs > 1.
type Runner struct {
	Registry *ops.Registry
	Runtime  device.Runtime

	// Jobs bounds the number of units run in parallel. Zero uses the suite's jobs.
	Jobs int

	// Progress, when set, is called once per finished unit. Calls are serialized.
	Progress func(Result)

	// DumpDir, when set, receives a SafeTensors file with the input, expected and
	// actual tensors of every disagreeing backend.
	DumpDir string
}

// unit is one (case, shape) pair.
type unit struct {
	index int
	c     config.Case
	shape tensor.Shape
	seed  uint64
}

// Units returns the number of units cfg expands to.
func Units(cfg *config.Suite) int {
	n := 0
	for _, c := range cfg.Cases {
		n += len(c.Shapes)
	}
	return n
}

// Run executes cfg. Unit failures are recorded in the report; the returned error is
// reserved for an invalid suite or a cancelled context, in which case the report
// holds the units finished so far.
func (r *Runner) Run(ctx context.Context, cfg *config.Suite) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if r.Registry == nil {
		return nil, errors.New("suite: runner without registry")
	}

	var units []unit
	for _, c := range cfg.Cases {
		for _, shape := range c.Shapes {
			units = append(units, unit{index: len(units), c: c, shape: shape, seed: cfg.Seed + uint64(len(units))})
		}
	}

	rtName := "none"
	if r.Runtime != nil {
		rtName = r.Runtime.Name()
	}
	report := &Report{ID: uuid.New(), Device: rtName, Seed: cfg.Seed, Started: time.Now()}
	h := harness.New(ops.NewDispatcher(r.Registry, r.Runtime), layout.NewConverter(r.Runtime))

	jobs := r.Jobs
	if jobs <= 0 {
		jobs = cfg.Jobs
	}
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	klog.V(1).Infof("suite %s: %d units on %s, %d jobs", report.ID, len(units), rtName, jobs)

	results := make([]*Result, len(units))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, u := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res := runUnit(h, u, r.DumpDir)
			mu.Lock()
			defer mu.Unlock()
			results[u.index] = &res
			if r.Progress != nil {
				r.Progress(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res != nil {
			report.add(*res)
		}
	}
	report.Duration = time.Since(report.Started)
	if err := ctx.Err(); err != nil {
		return report, errors.Wrapf(err, "suite: stopped after %d of %d units", len(report.Results), len(units))
	}
	return report, nil
}

// runUnit runs one case on one shape in a workspace of its own.
func runUnit(h *harness.Harness, u unit, dumpDir string) Result {
	start := time.Now()
	res := Result{Case: u.c.Title(), Op: u.c.Op, Shape: u.shape, Seed: u.seed}

	ws := workspace.New()
	defer ws.Clear()

	inv, err := reference(h, ws, u)
	if err != nil {
		res.Error = err.Error()
		return finish(res, start)
	}
	tol := u.c.EffectiveTolerance()
	for _, b := range u.c.Backends {
		br := runBackend(h, ws, inv, b, tol)
		if !br.Passed() && br.Verdict != nil && dumpDir != "" {
			path, err := dump(dumpDir, ws, u, br)
			if err != nil {
				klog.Warningf("suite: dump %s: %v", u.c.Title(), err)
			}
			br.Dump = path
		}
		cleanup(ws, b)
		res.Backends = append(res.Backends, br)
	}
	return finish(res, start)
}

func finish(res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	return res
}

// reference fills the random input and runs the host-linear reference.
func reference(h *harness.Harness, ws *workspace.Workspace, u unit) (*invocation.Invocation, error) {
	dtype, err := u.c.DataType()
	if err != nil {
		return nil, err
	}
	dist, err := u.c.Distribution.Build()
	if err != nil {
		return nil, err
	}
	in, err := tensor.Allocate("Input", u.shape, dtype, tensor.HostLinear)
	if err != nil {
		return nil, err
	}
	if err := tensor.FillRandom(in, dist, u.seed); err != nil {
		in.Release()
		return nil, err
	}
	if err := ws.Add(in); err != nil {
		in.Release()
		return nil, err
	}
	inv, err := invocation.NewBuilder(u.c.Op).Name(u.c.Title()).Input("Input").Output("Expected").Finalize()
	if err != nil {
		return nil, err
	}
	if err := h.Run(inv, ws); err != nil {
		return nil, errors.WithMessage(err, "reference")
	}
	return inv, nil
}

// runBackend converts the input to backend, runs the operator there, converts the
// result back to host-linear and compares it with the reference.
func runBackend(h *harness.Harness, ws *workspace.Workspace, ref *invocation.Invocation, b tensor.Backend, tol oracle.Tolerance) BackendResult {
	start := time.Now()
	br := BackendResult{Backend: b, Tolerance: tol}
	in, out, back := backendNames(b)

	inv, err := invocation.NewBuilder(ref.OpType()).Name(ref.Name()).Input(in).Output(out).Backend(b).Finalize()
	if err == nil {
		err = h.Transfer(ws, "Input", in, b)
	}
	if err == nil {
		err = h.Run(inv, ws)
	}
	if err == nil {
		err = h.Transfer(ws, out, back, tensor.HostLinear)
	}
	if err != nil {
		br.Error = err.Error()
		br.Duration = time.Since(start)
		return br
	}

	v, err := compareOutputs(ws, back, tol)
	br.Duration = time.Since(start)
	if err != nil {
		br.Error = err.Error()
		return br
	}
	br.Verdict = newVerdict(v)
	if !v.OK() {
		klog.V(1).Infof("%s on %s: %s", ref.Name(), b, v)
	}
	return br
}

// compareOutputs compares the reference "Expected" with the host-linear output
// stored under actual.
func compareOutputs(ws *workspace.Workspace, actual string, tol oracle.Tolerance) (oracle.Verdict, error) {
	want, err := ws.Get("Expected")
	if err != nil {
		return oracle.Verdict{}, errors.WithMessage(err, "reference output")
	}
	got, err := ws.Get(actual)
	if err != nil {
		return oracle.Verdict{}, errors.WithMessage(err, "backend output")
	}
	return oracle.Compare(want, got, tol)
}

// backendNames returns the workspace names of the converted input, the operator
// output and the output converted back to host-linear.
func backendNames(b tensor.Backend) (in, out, back string) {
	return "Input/" + b.String(), "Output/" + b.String(), "Actual/" + b.String()
}

// cleanup frees the tensors of backend b early; device ones hold runtime images.
func cleanup(ws *workspace.Workspace, b tensor.Backend) {
	in, out, back := backendNames(b)
	for _, name := range []string{in, out, back} {
		if ws.Has(name) {
			_ = ws.Remove(name)
		}
	}
}

// Describe formats a one-line summary of res.
func Describe(res Result) string {
	status := "PASS"
	if !res.Passed() {
		status = "FAIL"
	}
	return fmt.Sprintf("%s %s %s", status, res.Case, res.Shape)
}
