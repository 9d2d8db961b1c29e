package calc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const (
	scriptEntryPoint = "calculate"
	scriptTimeout    = time.Second
)

// scriptEvaluator runs a Lua chunk that defines calculate(ctx). ctx holds
// one field per argument plus latestTs; the function returns a table of
// output values.
type scriptEvaluator struct {
	name  string
	proto *lua.FunctionProto
}

func compileScript(f *types.CalculatedField) (*scriptEvaluator, error) {
	chunk, err := parse.Parse(strings.NewReader(f.Expression), f.Name)
	if err != nil {
		return nil, validationf("Invalid script for calculated field '%s': %v", f.Name, err)
	}
	proto, err := lua.Compile(chunk, f.Name)
	if err != nil {
		return nil, validationf("Invalid script for calculated field '%s': %v", f.Name, err)
	}
	return &scriptEvaluator{name: f.Name, proto: proto}, nil
}

func newLuaState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

func (e *scriptEvaluator) evaluate(s State, _ time.Time) (outcome, error) {
	L := newLuaState()
	defer L.Close()

	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(e.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return outcome{}, &EvaluationError{Err: err}
	}

	fn := L.GetGlobal(scriptEntryPoint)
	if fn.Type() != lua.LTFunction {
		return outcome{}, &EvaluationError{Err: fmt.Errorf("script %q does not define %s(ctx)", e.name, scriptEntryPoint)}
	}

	arg := L.NewTable()
	var latest int64
	for name, entry := range s.Base().Arguments {
		if entry.Kind != EntrySingleValue {
			continue
		}
		arg.RawSetString(name, toLua(L, entry.Value))
		if entry.Ts > latest {
			latest = entry.Ts
		}
	}
	arg.RawSetString("latestTs", lua.LNumber(latest))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
		return outcome{}, &EvaluationError{Err: err}
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return outcome{}, &EvaluationError{Err: fmt.Errorf("%s must return a table, got %s", scriptEntryPoint, ret.Type())}
	}

	result := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		if key, ok := k.(lua.LString); ok {
			result[string(key)] = fromLua(v)
		}
	})
	return outcome{Result: result, Changed: resultChanged(s.Base().Result, result)}, nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := normalize(v).(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case map[string]any:
		t := L.NewTable()
		for k, item := range x {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range x {
			t.Append(toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		if n := x.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		x.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLua(item)
		})
		return out
	default:
		return nil
	}
}
