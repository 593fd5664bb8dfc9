package klee

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// KTestObject is one named byte vector of a test case.
type KTestObject struct {
	Name  string `yaml:"name"`
	Bytes []byte `yaml:"bytes"`
}

// KTest is a serialized test case: the mapping from symbolic array names
// to concrete bytes sufficient for deterministic replay, plus the values
// of any nondet draws made mid-run.
type KTest struct {
	Objects []KTestObject `yaml:"objects"`
	Nondet  []KTestObject `yaml:"nondet,omitempty"`

	// Error metadata, set for states terminated with an error.
	Error     string `yaml:"error,omitempty"`
	ErrorKind string `yaml:"error_kind,omitempty"`
	ErrorInfo string `yaml:"error_info,omitempty"`
}

// Find returns the first object with the given name.
func (t *KTest) Find(name string) (KTestObject, bool) {
	for _, obj := range t.Objects {
		if obj.Name == name {
			return obj, true
		}
	}
	return KTestObject{}, false
}

// WriteFile serializes the test case as YAML.
func (t *KTest) WriteFile(path string) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadKTest loads a serialized test case.
func ReadKTest(path string) (*KTest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t KTest
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("klee: parse %s: %w", path, err)
	}
	return &t, nil
}

// InterpreterHandler receives finished states from the executor. The
// default implementation collects test cases in memory; the CLI writes
// them to the output directory.
type InterpreterHandler interface {
	ProcessTestCase(state *ExecutionState, test *KTest)
	IncPathsExplored()
}

// CollectingHandler is an InterpreterHandler keeping everything in memory.
type CollectingHandler struct {
	Tests         []*KTest
	PathsExplored int
}

// ProcessTestCase records the test case.
func (h *CollectingHandler) ProcessTestCase(state *ExecutionState, test *KTest) {
	h.Tests = append(h.Tests, test)
}

// IncPathsExplored counts a completed path.
func (h *CollectingHandler) IncPathsExplored() { h.PathsExplored++ }

// DirHandler writes test cases into a directory as test000001.ktest.yaml.
type DirHandler struct {
	Dir           string
	N             int
	PathsExplored int
	Err           error
}

// ProcessTestCase writes the test case to the next numbered file.
func (h *DirHandler) ProcessTestCase(state *ExecutionState, test *KTest) {
	h.N++
	name := fmt.Sprintf("test%06d.ktest.yaml", h.N)
	if err := test.WriteFile(filepath.Join(h.Dir, name)); err != nil && h.Err == nil {
		h.Err = err
	}
}

// IncPathsExplored counts a completed path.
func (h *DirHandler) IncPathsExplored() { h.PathsExplored++ }
