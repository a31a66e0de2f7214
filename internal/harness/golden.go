package harness

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a scenario result as deterministic text for golden file
// comparison. Kernels appear in step order and outputs in expectation order.
func (s *Scenario) Snapshot(result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", s.Name)
	fmt.Fprintf(&b, "cell: %s\n", result.Cell)
	for i, kernel := range result.Kernels {
		fmt.Fprintf(&b, "step %d: %s\n", i, kernel)
	}
	for _, expect := range s.Expect {
		values := result.Outputs[expect.Tensor]
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		fmt.Fprintf(&b, "%s = [%s]\n", expect.Tensor, strings.Join(parts, " "))
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its snapshot against the
// golden file testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) error {
	t.Helper()

	result, err := Run(s)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, s.Snapshot(result))
	return nil
}
