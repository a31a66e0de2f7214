package cueflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue/build"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/loom-ml/loom/internal/flow"
)

// Load compiles a graph from a .cue file or a directory of .cue files.
func Load(path string) (*flow.Flow, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("cueflow: %s not found", path)
	}
	if err != nil {
		return nil, fmt.Errorf("cueflow: accessing %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}

	cfg := &load.Config{Dir: filepath.Dir(path)}
	instances := load.Instances([]string{filepath.Base(path)}, cfg)
	return buildInstance(instances)
}

// LoadDir compiles a graph from all .cue files in a directory. The files are
// unified into a single CUE instance before compilation.
func LoadDir(dir string) (*flow.Flow, error) {
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("cueflow: scanning %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("cueflow: no CUE files found in %s", dir)
	}

	cfg := &load.Config{Dir: dir}
	instances := load.Instances(files, cfg)
	return buildInstance(instances)
}

func buildInstance(instances []*build.Instance) (*flow.Flow, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("cueflow: no CUE instances loaded")
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("cueflow: loading CUE files: %w", inst.Err)
	}

	ctx := cuecontext.New()
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileFlow(value)
}

// FindCUEFiles returns the .cue files directly inside dir, sorted by name.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cue") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}
