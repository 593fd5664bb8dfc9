package main

import (
	"fmt"
	"os"

	"github.com/capsosk/klee"
	"gopkg.in/yaml.v3"
)

// The CLI loads modules from a YAML rendering of the IR. The loader lives
// in the host layer; the engine core only ever sees prepared modules.

type moduleFile struct {
	Globals   []globalFile   `yaml:"globals"`
	Functions []functionFile `yaml:"functions"`
}

type globalFile struct {
	Name           string   `yaml:"name"`
	Size           uint64   `yaml:"size"`
	Data           []byte   `yaml:"data,omitempty"`
	String         string   `yaml:"string,omitempty"`
	ReadOnly       bool     `yaml:"read_only,omitempty"`
	PointerOffsets []uint64 `yaml:"pointer_offsets,omitempty"`
}

type functionFile struct {
	Name      string      `yaml:"name"`
	RetWidth  uint        `yaml:"ret_width,omitempty"`
	Params    []paramFile `yaml:"params,omitempty"`
	Registers int         `yaml:"registers,omitempty"`
	VarArg    bool        `yaml:"vararg,omitempty"`
	Internal  bool        `yaml:"internal,omitempty"`
	Blocks    []blockFile `yaml:"blocks"`
}

type paramFile struct {
	Name  string `yaml:"name"`
	Width uint   `yaml:"width"`
}

type blockFile struct {
	Name   string      `yaml:"name"`
	Instrs []instrFile `yaml:"instrs"`
}

type instrFile struct {
	Op       string        `yaml:"op"`
	Dest     *int          `yaml:"dest,omitempty"`
	Operands []operandFile `yaml:"operands,omitempty"`
	Width    uint          `yaml:"width,omitempty"`

	Succs    []string   `yaml:"succs,omitempty"`
	Cases    []caseFile `yaml:"cases,omitempty"`
	Dests    []string   `yaml:"dests,omitempty"`
	Callee   string     `yaml:"callee,omitempty"`
	Incoming []string   `yaml:"incoming,omitempty"`

	GEPOffset  uint64        `yaml:"gep_offset,omitempty"`
	GEPIndices []gepIndexFile `yaml:"gep_indices,omitempty"`

	Predicate string `yaml:"predicate,omitempty"`

	ElemSize       uint64   `yaml:"elem_size,omitempty"`
	ElemWidth      uint     `yaml:"elem_width,omitempty"`
	PointerOffsets []uint64 `yaml:"pointer_offsets,omitempty"`
	SExt           bool     `yaml:"sext,omitempty"`
	Line           int      `yaml:"line,omitempty"`
}

type operandFile struct {
	Reg    *int    `yaml:"reg,omitempty"`
	Imm    *uint64 `yaml:"imm,omitempty"`
	Width  uint    `yaml:"width,omitempty"`
	Global string  `yaml:"global,omitempty"`
	Func   string  `yaml:"func,omitempty"`
}

type caseFile struct {
	Value uint64 `yaml:"value"`
	Width uint   `yaml:"width"`
	Block string `yaml:"block"`
}

type gepIndexFile struct {
	Operand     int    `yaml:"operand"`
	ElementSize uint64 `yaml:"element_size"`
}

var opcodesByName = map[string]klee.Opcode{
	"ret": klee.OpRet, "br": klee.OpBr, "switch": klee.OpSwitch,
	"indirectbr": klee.OpIndirectBr, "unreachable": klee.OpUnreachable,
	"call": klee.OpCall, "phi": klee.OpPhi, "select": klee.OpSelect,
	"va_arg": klee.OpVAArg,
	"add":    klee.OpAdd, "sub": klee.OpSub, "mul": klee.OpMul,
	"udiv": klee.OpUDiv, "sdiv": klee.OpSDiv, "urem": klee.OpURem,
	"srem": klee.OpSRem, "and": klee.OpAnd, "or": klee.OpOr,
	"xor": klee.OpXor, "shl": klee.OpShl, "lshr": klee.OpLShr,
	"ashr": klee.OpAShr, "icmp": klee.OpICmp, "alloca": klee.OpAlloca,
	"load": klee.OpLoad, "store": klee.OpStore,
	"getelementptr": klee.OpGetElementPtr, "trunc": klee.OpTrunc,
	"zext": klee.OpZExt, "sext": klee.OpSExt, "ptrtoint": klee.OpPtrToInt,
	"inttoptr": klee.OpIntToPtr, "bitcast": klee.OpBitCast,
	"fadd": klee.OpFAdd, "fsub": klee.OpFSub, "fmul": klee.OpFMul,
	"fdiv": klee.OpFDiv, "frem": klee.OpFRem, "fcmp": klee.OpFCmp,
	"fptrunc": klee.OpFPTrunc, "fpext": klee.OpFPExt,
	"insertelement": klee.OpInsertElement, "extractelement": klee.OpExtractElement,
	"shufflevector": klee.OpShuffleVector, "atomicrmw": klee.OpAtomicRMW,
	"cmpxchg": klee.OpAtomicCmpXchg, "fence": klee.OpFence,
}

var predicatesByName = map[string]klee.BinaryOp{
	"eq": klee.EQ, "ne": klee.NE,
	"ugt": klee.UGT, "uge": klee.UGE, "ult": klee.ULT, "ule": klee.ULE,
	"sgt": klee.SGT, "sge": klee.SGE, "slt": klee.SLT, "sle": klee.SLE,
}

// LoadModule reads a YAML IR module from disk.
func LoadModule(path string) (*klee.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf moduleFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return buildModule(&mf)
}

func buildModule(mf *moduleFile) (*klee.Module, error) {
	m := klee.NewModule()

	for _, g := range mf.Globals {
		data := g.Data
		if g.String != "" {
			data = append([]byte(g.String), 0)
		}
		size := g.Size
		if size == 0 {
			size = uint64(len(data))
		}
		m.AddGlobal(&klee.Global{
			Name:           g.Name,
			Size:           size,
			Data:           data,
			ReadOnly:       g.ReadOnly,
			PointerOffsets: g.PointerOffsets,
		})
	}

	// Declare all functions first so calls and function pointers resolve.
	fns := make(map[string]*klee.Function)
	for _, ff := range mf.Functions {
		params := make([]klee.Param, len(ff.Params))
		for i, p := range ff.Params {
			params[i] = klee.Param{Name: p.Name, Width: p.Width}
		}
		fn := m.AddFunction(ff.Name, ff.RetWidth, params...)
		fn.IsVarArg = ff.VarArg
		fn.Internal = ff.Internal
		for fn.NumRegisters < ff.Registers {
			fn.NewRegister()
		}
		fns[ff.Name] = fn
	}

	for _, ff := range mf.Functions {
		fn := fns[ff.Name]
		blocks := make(map[string]*klee.BasicBlock)
		for _, bf := range ff.Blocks {
			blocks[bf.Name] = fn.NewBlock(bf.Name)
		}
		for _, bf := range ff.Blocks {
			block := blocks[bf.Name]
			for i := range bf.Instrs {
				instr, err := buildInstr(m, fn, blocks, &bf.Instrs[i])
				if err != nil {
					return nil, fmt.Errorf("%s/%s: %w", ff.Name, bf.Name, err)
				}
				block.Append(instr)
			}
		}
	}

	if err := m.Prepare(); err != nil {
		return nil, err
	}
	return m, nil
}

func buildInstr(m *klee.Module, fn *klee.Function, blocks map[string]*klee.BasicBlock, inf *instrFile) (*klee.Instruction, error) {
	op, ok := opcodesByName[inf.Op]
	if !ok {
		return nil, fmt.Errorf("unknown opcode: %q", inf.Op)
	}

	instr := &klee.Instruction{
		Op:             op,
		Dest:           -1,
		Width:          inf.Width,
		Callee:         inf.Callee,
		GEPOffset:      inf.GEPOffset,
		ElemSize:       inf.ElemSize,
		ElemWidth:      inf.ElemWidth,
		PointerOffsets: inf.PointerOffsets,
		SExtAttr:       inf.SExt,
		Line:           inf.Line,
	}
	if inf.Dest != nil {
		instr.Dest = *inf.Dest
	}

	for _, of := range inf.Operands {
		operand, err := buildOperand(m, of)
		if err != nil {
			return nil, err
		}
		instr.Operands = append(instr.Operands, operand)
	}

	resolveBlock := func(name string) (*klee.BasicBlock, error) {
		b, ok := blocks[name]
		if !ok {
			return nil, fmt.Errorf("unknown block: %q", name)
		}
		return b, nil
	}

	for _, name := range inf.Succs {
		b, err := resolveBlock(name)
		if err != nil {
			return nil, err
		}
		instr.Succs = append(instr.Succs, b)
	}
	for _, name := range inf.Dests {
		b, err := resolveBlock(name)
		if err != nil {
			return nil, err
		}
		instr.Dests = append(instr.Dests, b)
	}
	for _, name := range inf.Incoming {
		b, err := resolveBlock(name)
		if err != nil {
			return nil, err
		}
		instr.Incoming = append(instr.Incoming, b)
	}
	for _, cf := range inf.Cases {
		b, err := resolveBlock(cf.Block)
		if err != nil {
			return nil, err
		}
		width := cf.Width
		if width == 0 {
			width = klee.Width32
		}
		instr.Cases = append(instr.Cases, klee.SwitchCase{
			Value: klee.NewConstantExpr(cf.Value, width),
			Block: b,
		})
	}
	for _, gi := range inf.GEPIndices {
		instr.GEPIndices = append(instr.GEPIndices, klee.GEPIndex{
			Operand:     gi.Operand,
			ElementSize: gi.ElementSize,
		})
	}

	if inf.Predicate != "" {
		pred, ok := predicatesByName[inf.Predicate]
		if !ok {
			return nil, fmt.Errorf("unknown predicate: %q", inf.Predicate)
		}
		instr.Predicate = pred
	}
	return instr, nil
}

func buildOperand(m *klee.Module, of operandFile) (klee.Operand, error) {
	switch {
	case of.Reg != nil:
		return klee.Reg(*of.Reg), nil
	case of.Imm != nil:
		width := of.Width
		if width == 0 {
			width = klee.Width64
		}
		return klee.Imm(*of.Imm, width), nil
	case of.Func != "":
		fn := m.Function(of.Func)
		if fn == nil {
			return klee.Operand{}, fmt.Errorf("unknown function: %q", of.Func)
		}
		return klee.ImmValue(m.FunctionPointer(fn)), nil
	case of.Global != "":
		return klee.GlobalRef(of.Global), nil
	default:
		return klee.Operand{}, fmt.Errorf("empty operand")
	}
}
