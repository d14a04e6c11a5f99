package suite

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/serialization"
	"github.com/born-ml/opcheck/internal/tensor"
	"github.com/born-ml/opcheck/internal/workspace"
)

// dump writes the input, expected and actual tensors of a disagreeing backend to a
// SafeTensors file in dir and returns its path.
func dump(dir string, ws *workspace.Workspace, u unit, br BackendResult) (string, error) {
	_, _, back := backendNames(br.Backend)
	var tensors []*tensor.Tensor
	defer func() {
		for _, t := range tensors {
			t.Release()
		}
	}()
	for _, pair := range [][2]string{{"Input", "input"}, {"Expected", "expected"}, {back, "actual"}} {
		src, err := ws.Get(pair[0])
		if err != nil {
			return "", err
		}
		t, err := tensor.Copy(src, pair[1])
		if err != nil {
			return "", err
		}
		tensors = append(tensors, t)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "suite: create dump dir")
	}
	path := filepath.Join(dir, dumpFileName(u, br.Backend))
	meta := map[string]string{
		"case":      u.c.Title(),
		"op":        u.c.Op,
		"backend":   br.Backend.String(),
		"seed":      strconv.FormatUint(u.seed, 10),
		"tolerance": br.Tolerance.String(),
		"verdict":   br.Verdict.Summary,
	}
	if err := serialization.WriteFile(path, tensors, meta); err != nil {
		return "", err
	}
	return path, nil
}

// dumpFileName is e.g. "softmax_1x256x256x3_device-opaque.safetensors".
func dumpFileName(u unit, b tensor.Backend) string {
	dims := make([]string, len(u.shape))
	for i, d := range u.shape {
		dims[i] = strconv.Itoa(d)
	}
	title := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		default:
			return '_'
		}
	}, u.c.Title())
	return fmt.Sprintf("%s_%s_%s.safetensors", title, strings.Join(dims, "x"), b)
}
