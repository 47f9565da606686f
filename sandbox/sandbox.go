// Package sandbox compiles author-supplied template source into an
// executable rendering function and invokes it inside a capability-
// restricted Lua state. The compiled function sees only the whitelisted
// rendering primitives plus the resolved field and asset maps; no
// filesystem, network, process or ambient environment access is exposed.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/sheetpress/sheetpress/fields"
	"github.com/sheetpress/sheetpress/flexdoc"
)

// DefaultWallBudget bounds a single invocation so a pathological author
// script cannot hang a render.
const DefaultWallBudget = 2 * time.Second

// Whitelisted rendering primitives resolvable through use().
var primitives = map[string]bool{
	"document": true,
	"page":     true,
	"box":      true,
	"text":     true,
	"image":    true,
	"style":    true,
}

// CompileError reports a transform or bind failure, with the offending
// source fragment when it can be located.
type CompileError struct {
	Fragment string
	Err      error
}

func (e *CompileError) Error() string {
	if e.Fragment != "" {
		return fmt.Sprintf("compile: %v (near %q)", e.Err, e.Fragment)
	}
	return fmt.Sprintf("compile: %v", e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// RuntimeError reports a failure inside the compiled function.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("sandbox runtime: %v", e.Err) }
func (e *RuntimeError) Unwrap() error { return e.Err }

// Options configures a Runtime.
type Options struct {
	// WallBudget bounds one invocation. Zero means DefaultWallBudget.
	WallBudget time.Duration
}

// Runtime compiles and executes template scripts. Compiled chunks are
// cached by a content hash of the source; the cache is safe for
// concurrent renders.
type Runtime struct {
	budget time.Duration

	mu    sync.RWMutex
	cache map[uint64]*lua.FunctionProto
}

// New creates a Runtime.
func New(opts Options) *Runtime {
	budget := opts.WallBudget
	if budget <= 0 {
		budget = DefaultWallBudget
	}
	return &Runtime{
		budget: budget,
		cache:  map[uint64]*lua.FunctionProto{},
	}
}

// Compile transforms author source into an executable chunk, reusing the
// cached form when the same source was seen before. A syntax failure
// carries the offending fragment and never executes partially.
func (r *Runtime) Compile(source string) (*lua.FunctionProto, error) {
	key := xxhash.Sum64String(source)
	r.mu.RLock()
	proto, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return proto, nil
	}

	chunk, err := parse.Parse(strings.NewReader(source), "template")
	if err != nil {
		return nil, &CompileError{Fragment: offendingLine(source, err), Err: err}
	}
	proto, err = lua.Compile(chunk, "template")
	if err != nil {
		return nil, &CompileError{Fragment: offendingLine(source, err), Err: err}
	}

	r.mu.Lock()
	r.cache[key] = proto
	r.mu.Unlock()
	return proto, nil
}

// Execute compiles source, binds it to a fresh restricted state, calls its
// render(fields, assets) function and converts the returned tree.
func (r *Runtime) Execute(ctx context.Context, source string, f fields.Map, assets fields.AssetMap) (*flexdoc.Document, error) {
	proto, err := r.Compile(source)
	if err != nil {
		return nil, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openRestrictedLibs(L)
	registerUse(L)

	// One wall-clock budget covers both bind and invoke: top-level author
	// code runs during bind and must be bounded too.
	budget := r.budget
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < budget {
			budget = until
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	L.SetContext(runCtx)

	// Bind: run the chunk so it defines render(). Whitelist violations in
	// top-level use() calls surface here, before any invocation.
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if runCtx.Err() != nil {
			return nil, &CompileError{Err: fmt.Errorf("bind budget exceeded: %w", runCtx.Err())}
		}
		return nil, &CompileError{Err: err}
	}

	renderFn := L.GetGlobal("render")
	if renderFn.Type() != lua.LTFunction {
		return nil, &CompileError{Err: fmt.Errorf("template does not define render(fields, assets)")}
	}

	err = L.CallByParam(lua.P{Fn: renderFn, NRet: 1, Protect: true},
		fieldsToLua(L, f), assetsToLua(L, assets))
	if err != nil {
		if runCtx.Err() != nil {
			return nil, &RuntimeError{Err: fmt.Errorf("execution budget exceeded: %w", runCtx.Err())}
		}
		return nil, &RuntimeError{Err: err}
	}

	ret := L.Get(-1)
	L.Pop(1)
	doc, err := convertDocument(ret)
	if err != nil {
		return nil, &RuntimeError{Err: err}
	}
	return doc, nil
}

// openRestrictedLibs opens only side-effect-free library subsets and
// scrubs the base-library escape hatches.
func openRestrictedLibs(L *lua.LState) {
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}
	for _, name := range []string{
		"dofile", "loadfile", "load", "loadstring", "require",
		"collectgarbage", "print", "_printregs",
	} {
		L.SetGlobal(name, lua.LNil)
	}
}

// registerUse installs the import mechanism: use(name) resolves only the
// fixed primitive whitelist and raises for anything else.
func registerUse(L *lua.LState) {
	L.SetGlobal("use", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !primitives[name] {
			L.RaiseError("use: %q is not a rendering primitive", name)
			return 0
		}
		if name == "style" {
			L.Push(L.NewFunction(mergeStyle))
			return 1
		}
		kind := name
		L.Push(L.NewFunction(func(L *lua.LState) int {
			tbl := constructorArg(L, kind)
			tbl.RawSetString("kind", lua.LString(kind))
			L.Push(tbl)
			return 1
		}))
		return 1
	}))
}

// constructorArg accepts either a table or, for text/image, a bare string
// shorthand ("..." becomes {content="..."} / {slot="..."}).
func constructorArg(L *lua.LState, kind string) *lua.LTable {
	switch v := L.Get(1).(type) {
	case *lua.LTable:
		return v
	case lua.LString:
		tbl := L.NewTable()
		switch kind {
		case "text":
			tbl.RawSetString("content", v)
		case "image":
			tbl.RawSetString("slot", v)
		}
		return tbl
	default:
		return L.NewTable()
	}
}

// mergeStyle implements the style-declaration helper: style(base, override)
// returns a new table with override winning on key collisions.
func mergeStyle(L *lua.LState) int {
	out := L.NewTable()
	for i := 1; i <= L.GetTop(); i++ {
		tbl, ok := L.Get(i).(*lua.LTable)
		if !ok {
			continue
		}
		tbl.ForEach(func(k, v lua.LValue) {
			out.RawSet(k, v)
		})
	}
	L.Push(out)
	return 1
}

func fieldsToLua(L *lua.LState, f fields.Map) *lua.LTable {
	tbl := L.NewTable()
	for name, val := range f {
		tbl.RawSetString(name, valueToLua(L, val))
	}
	return tbl
}

func valueToLua(L *lua.LState, v fields.Value) lua.LValue {
	switch v.Kind {
	case fields.Array:
		tbl := L.NewTable()
		for _, item := range v.Items {
			tbl.Append(valueToLua(L, item))
		}
		return tbl
	case fields.Record:
		tbl := L.NewTable()
		for k, item := range v.Record {
			tbl.RawSetString(k, valueToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(v.Scalar)
	}
}

func assetsToLua(L *lua.LState, assets fields.AssetMap) *lua.LTable {
	tbl := L.NewTable()
	for slot, asset := range assets {
		entry := L.NewTable()
		entry.RawSetString("slot", lua.LString(slot))
		entry.RawSetString("absent", lua.LBool(asset.Absent))
		if !asset.Absent {
			entry.RawSetString("format", lua.LString(asset.Format))
		}
		tbl.RawSetString(slot, entry)
	}
	return tbl
}

var linePattern = regexp.MustCompile(`:(\d+)`)

// offendingLine pulls the source line referenced by a parse error.
func offendingLine(source string, err error) string {
	m := linePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return ""
	}
	want, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return ""
	}
	scanner := bufio.NewScanner(strings.NewReader(source))
	for line := 1; scanner.Scan(); line++ {
		if line == want {
			return strings.TrimSpace(scanner.Text())
		}
	}
	return ""
}
