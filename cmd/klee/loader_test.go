package main

import (
	"path/filepath"
	"testing"

	"github.com/capsosk/klee"
)

func TestLoadModule(t *testing.T) {
	t.Run("AbortIfEq", func(t *testing.T) {
		m, err := LoadModule(filepath.Join("..", "..", "testdata", "abort_if_eq.yaml"))
		if err != nil {
			t.Fatal(err)
		}

		fn := m.Function("main")
		if fn == nil {
			t.Fatal("main not loaded")
		}
		if got, exp := len(fn.Blocks), 3; got != exp {
			t.Fatalf("blocks=%d, expected %d", got, exp)
		}
		if got, exp := len(fn.Instrs), 8; got != exp {
			t.Fatalf("instrs=%d, expected %d", got, exp)
		}

		// The branch resolves its successor blocks.
		br := fn.Instrs[4]
		if br.Op != klee.OpBr {
			t.Fatalf("op=%s, expected br", br.Op)
		}
		if got, exp := len(br.Succs), 2; got != exp {
			t.Fatalf("succs=%d, expected %d", got, exp)
		}
		if br.Succs[0].Name != "then" || br.Succs[1].Name != "else" {
			t.Fatalf("succs=%s/%s", br.Succs[0].Name, br.Succs[1].Name)
		}

		if got, exp := len(m.Globals), 1; got != exp {
			t.Fatalf("globals=%d, expected %d", got, exp)
		}
		// A string global carries its NUL terminator.
		if got, exp := int(m.Globals[0].Size), 2; got != exp {
			t.Fatalf("global size=%d, expected %d", got, exp)
		}
	})

	t.Run("Switch", func(t *testing.T) {
		m, err := LoadModule(filepath.Join("..", "..", "testdata", "switch.yaml"))
		if err != nil {
			t.Fatal(err)
		}

		fn := m.Function("main")
		var sw *klee.Instruction
		for _, instr := range fn.Instrs {
			if instr.Op == klee.OpSwitch {
				sw = instr
			}
		}
		if sw == nil {
			t.Fatal("switch not loaded")
		}
		if got, exp := len(sw.Cases), 2; got != exp {
			t.Fatalf("cases=%d, expected %d", got, exp)
		}
		if sw.Cases[0].Value.Value != 1 || sw.Cases[1].Value.Value != 2 {
			t.Fatalf("case values=%d/%d", sw.Cases[0].Value.Value, sw.Cases[1].Value.Value)
		}
		if sw.Succs[0].Name != "default" {
			t.Fatalf("default=%s", sw.Succs[0].Name)
		}
	})

	t.Run("DoubleFree", func(t *testing.T) {
		m, err := LoadModule(filepath.Join("..", "..", "testdata", "double_free.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		fn := m.Function("main")
		if got, exp := len(fn.Instrs), 4; got != exp {
			t.Fatalf("instrs=%d, expected %d", got, exp)
		}
		if fn.Instrs[0].Callee != "malloc" || fn.Instrs[0].Dest != 0 {
			t.Fatalf("first instr=%s dest=%d", fn.Instrs[0].Callee, fn.Instrs[0].Dest)
		}
	})
}
