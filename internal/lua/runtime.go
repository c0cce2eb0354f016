package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/conflictscan/internal/probe"
)

const (
	checkTimeout = 2 * time.Second
	// maxLogLines caps log() output kept for one check.
	maxLogLines = 20
)

// Rules runs a sandboxed health rules script. The script must define
// check(resp) returning a boolean and an optional reason string.
type Rules struct {
	mu    sync.Mutex
	L     *lua.LState
	check lua.LValue
	logs  []string
}

// LoadRules reads and compiles the script at path.
func LoadRules(path string) (*Rules, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules script: %w", err)
	}
	return NewRules(string(script))
}

func NewRules(script string) (*Rules, error) {
	r := &Rules{}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	r.L = L
	r.openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("contains", L.NewFunction(luaContains))

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load rules script: %w", err)
	}

	check := L.GetGlobal("check")
	if check.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("rules script must define a 'check' function")
	}
	r.check = check

	return r, nil
}

func (r *Rules) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// Check calls check(resp). It satisfies probe.RuleSet. The verdict carries
// the log() lines written during this call only, even when the script errors.
func (r *Rules) Check(ctx context.Context, obs probe.Observation) (probe.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = nil

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	r.L.SetContext(ctx)
	defer r.L.RemoveContext()

	r.L.Push(r.check)
	r.L.Push(r.observationTable(obs))
	if err := r.L.PCall(1, 2, nil); err != nil {
		return probe.Verdict{Logs: r.logs}, fmt.Errorf("check failed: %w", err)
	}

	verdict := r.L.Get(-2)
	reason := r.L.Get(-1)
	r.L.Pop(2)

	if verdict.Type() != lua.LTBool {
		return probe.Verdict{Logs: r.logs}, fmt.Errorf("check must return a boolean, got %s", verdict.Type())
	}
	v := probe.Verdict{OK: lua.LVAsBool(verdict), Logs: r.logs}
	if reason != lua.LNil {
		v.Reason = reason.String()
	}
	return v, nil
}

func (r *Rules) observationTable(obs probe.Observation) *lua.LTable {
	L := r.L
	tbl := L.NewTable()
	L.SetField(tbl, "url", lua.LString(obs.URL))
	L.SetField(tbl, "status", lua.LNumber(obs.StatusCode))
	L.SetField(tbl, "body", lua.LString(obs.Body))
	L.SetField(tbl, "duration_ms", lua.LNumber(obs.Duration.Milliseconds()))

	headers := L.NewTable()
	for k, v := range obs.Header {
		L.SetField(headers, strings.ToLower(k), lua.LString(strings.Join(v, ", ")))
	}
	L.SetField(tbl, "headers", headers)
	return tbl
}

// luaLog implements the log(message) API. Lines past maxLogLines are dropped.
func (r *Rules) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	if len(r.logs) < maxLogLines {
		r.logs = append(r.logs, msg)
	}
	return 0
}

// luaContains implements contains(haystack, needle) as a plain substring
// test, avoiding Lua pattern escaping in rule scripts.
func luaContains(L *lua.LState) int {
	L.Push(lua.LBool(strings.Contains(L.CheckString(1), L.CheckString(2))))
	return 1
}

func (r *Rules) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.L.Close()
}

// IsRulesScript checks if a file is a Lua rules script
func IsRulesScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
