package core

import (
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// CallContext is the ctx parameter the VM receives, per spec §4.4 step 2.
type CallContext struct {
	ContractAddress Address
	Caller          Address
	Value           uint64
	GasLimit        uint64
	GasPrice        uint64
	Timestamp       int64
	BlockNumber     uint64
}

// ExecResult is the opaque {ok, storage', gas_used, error?} result spec §1
// describes the VM oracle as returning.
type ExecResult struct {
	OK         bool
	Storage    map[string][]byte
	GasUsed    uint64
	ReturnData []byte
	Error      string
}

// VM is the opaque execute() capability spec §1 treats the contract runtime
// as. The engine never inspects bytecode itself; it only calls Execute.
type VM interface {
	Execute(bytecode []byte, fn string, args []byte, storage map[string][]byte, ctx CallContext) (ExecResult, error)
}

// Compiler is the opaque compile() capability spec §1 treats the source
// language as. The engine only consumes (bytecode, abi) pairs.
type Compiler interface {
	Compile(source string) (bytecode []byte, abi []byte, err error)
}

// constructorMarker is the substring ContractManager.Deploy looks for in
// bytecode to decide that it declares a constructor (spec §4.4 step 4); a
// StackVM "constructor:" line contains it.
const constructorMarker = "ctor:"

// PassthroughCompiler treats source as already being StackVM bytecode,
// used when no external compiler is wired in (tests, local development).
// The ABI is left empty since the engine never consults it (spec §3
// Contract: "abi ... for read API only; not consulted by the engine").
type PassthroughCompiler struct{}

func (PassthroughCompiler) Compile(source string) ([]byte, []byte, error) {
	if source == "" {
		return nil, nil, errors.New("empty source")
	}
	return []byte(source), nil, nil
}

// --- StackVM: deterministic reference implementation ------------------------

// StackVM is a tiny deterministic bytecode interpreter used as the default
// VM when no real compiler/runtime is wired in (tests, local development).
// It is grounded on the teacher's LightVM opcode interpreter
// (core/virtual_machine.go) but reshaped to the fn/args/storage calling
// convention of spec §4.4 instead of raw (bytecode, ctx) execution.
//
// Bytecode format: one function body per line, encoded as
// "fnName:OP arg,OP arg,...\n". Supported ops: PUSH <literal>,
// LOAD <key>, ADD, STORE <key>, RET.
type StackVM struct{}

func NewStackVM() *StackVM { return &StackVM{} }

func (vm *StackVM) Execute(bytecode []byte, fn string, args []byte, storage map[string][]byte, ctx CallContext) (ExecResult, error) {
	gas := newGasMeter(ctx.GasLimit)
	out := make(map[string][]byte, len(storage))
	for k, v := range storage {
		out[k] = v
	}

	prog, err := parseStackProgram(bytecode)
	if err != nil {
		return ExecResult{OK: false, Error: err.Error()}, nil
	}
	body, ok := prog[fn]
	if !ok {
		return ExecResult{OK: false, Error: fmt.Sprintf("function %q not found", fn)}, nil
	}

	var stack [][]byte
	push := func(b []byte) { stack = append(stack, b) }
	pop := func() ([]byte, error) {
		if len(stack) == 0 {
			return nil, errors.New("stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	push(args)

	var ret []byte
	for _, ins := range body {
		if err := gas.consume(1); err != nil {
			return ExecResult{OK: false, GasUsed: gas.used, Error: err.Error()}, nil
		}
		switch ins.op {
		case "PUSH":
			push([]byte(ins.arg))
		case "LOAD":
			push(out[ins.arg])
		case "ADD":
			a, err := pop()
			if err != nil {
				return ExecResult{OK: false, GasUsed: gas.used, Error: err.Error()}, nil
			}
			b, err := pop()
			if err != nil {
				return ExecResult{OK: false, GasUsed: gas.used, Error: err.Error()}, nil
			}
			push(addDecimalStrings(a, b))
		case "STORE":
			v, err := pop()
			if err != nil {
				return ExecResult{OK: false, GasUsed: gas.used, Error: err.Error()}, nil
			}
			out[ins.arg] = v
		case "RET":
			v, _ := pop()
			ret = v
		default:
			return ExecResult{OK: false, GasUsed: gas.used, Error: "unknown opcode " + ins.op}, nil
		}
	}
	return ExecResult{OK: true, Storage: out, GasUsed: gas.used, ReturnData: ret}, nil
}

type stackIns struct{ op, arg string }

// parseStackProgram parses the tiny line-oriented format described on StackVM.
func parseStackProgram(bytecode []byte) (map[string][]stackIns, error) {
	prog := make(map[string][]stackIns)
	line := ""
	for _, b := range append(bytecode, '\n') {
		if b != '\n' {
			line += string(b)
			continue
		}
		if line == "" {
			continue
		}
		colon := indexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("malformed function line %q", line)
		}
		name, body := line[:colon], line[colon+1:]
		var inss []stackIns
		for _, tok := range splitComma(body) {
			sp := indexByte(tok, ' ')
			if sp < 0 {
				inss = append(inss, stackIns{op: tok})
				continue
			}
			inss = append(inss, stackIns{op: tok[:sp], arg: tok[sp+1:]})
		}
		prog[name] = inss
		line = ""
	}
	return prog, nil
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func splitComma(s string) []string {
	var out []string
	cur := ""
	for _, c := range s {
		if c == ',' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(c)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func addDecimalStrings(a, b []byte) []byte {
	x := parseIntOrZero(string(a))
	y := parseIntOrZero(string(b))
	return []byte(fmt.Sprintf("%d", x+y))
}

func parseIntOrZero(s string) int64 {
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// --- HeavyVM: real WASM execution via wasmer-go -----------------------------

// HeavyVM executes WASM bytecode through wasmer-go, generalizing the
// teacher's HeavyVM (core/virtual_machine.go). The only host function is
// consume_gas; there is no storage import, so a contract cannot read or
// write its key/value storage and a successful call returns the input
// storage unchanged.
type HeavyVM struct {
	engine *wasmer.Engine
}

// NewHeavyVM constructs a wasmer-backed VM. A single engine is reused across
// calls, matching the teacher's per-manager engine lifetime.
func NewHeavyVM() *HeavyVM {
	return &HeavyVM{engine: wasmer.NewEngine()}
}

func (vm *HeavyVM) Execute(bytecode []byte, fn string, args []byte, storage map[string][]byte, ctx CallContext) (ExecResult, error) {
	out := make(map[string][]byte, len(storage))
	for k, v := range storage {
		out[k] = v
	}
	gas := newGasMeter(ctx.GasLimit)

	store := wasmer.NewStore(vm.engine)
	mod, err := wasmer.NewModule(store, bytecode)
	if err != nil {
		return ExecResult{OK: false, Error: "compile: " + err.Error()}, nil
	}

	imports := registerHostFunctions(store, out, gas)
	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return ExecResult{OK: false, Error: "instantiate: " + err.Error()}, nil
	}

	fnExport, err := instance.Exports.GetFunction(fn)
	if err != nil {
		return ExecResult{OK: false, Error: fmt.Sprintf("function %q not exported", fn)}, nil
	}

	ret, err := fnExport(int32(len(args)))
	if err != nil {
		return ExecResult{OK: false, GasUsed: gas.used, Error: err.Error()}, nil
	}

	var retData []byte
	if rv, ok := ret.(int32); ok {
		retData = []byte(fmt.Sprintf("%d", rv))
	}
	return ExecResult{OK: true, Storage: out, GasUsed: gas.used, ReturnData: retData}, nil
}

// registerHostFunctions wires the env.consume_gas host import, which charges
// its argument against gas and returns -1 once the limit is exceeded, 0
// otherwise. No storage_get/storage_set imports are registered; `out` is not
// touched here.
func registerHostFunctions(store *wasmer.Store, out map[string][]byte, gas *gasMeter) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()
	consumeGas := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			cost := args[0].I32()
			if err := gas.consume(uint64(cost)); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)
	imports.Register("env", map[string]wasmer.IntoExtern{
		"consume_gas": consumeGas,
	})
	return imports
}

// --- gas accounting ----------------------------------------------------------

type gasMeter struct {
	used, limit uint64
}

func newGasMeter(limit uint64) *gasMeter { return &gasMeter{limit: limit} }

func (g *gasMeter) consume(n uint64) error {
	if g.used+n > g.limit {
		g.used = g.limit
		return fmt.Errorf("%w: out of gas (%d/%d)", ErrInsufficientGas, g.used+n, g.limit)
	}
	g.used += n
	return nil
}
