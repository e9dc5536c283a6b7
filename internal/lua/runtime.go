// Package lua drives a session from a Lua script. The script defines
// workflow(task) and calls transition() to move through states.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
)

// ErrStuck is returned by Execute when the script called stuck().
var ErrStuck = errors.New("workflow stuck")

// Session is the part of *orchestrator.Session a script can drive.
type Session interface {
	ID() string
	Transition(ctx context.Context, req orchestrator.TransitionRequest) (*orchestrator.Result, error)
	UpdateSnapshot(u models.SnapshotUpdate) error
	Status() orchestrator.StatusReport
	Escalate(reason string) error
}

// Runtime executes Lua driver scripts in a sandboxed environment
type Runtime struct {
	session Session
	ctx     context.Context
	calls   int
	logs    []string

	// stuckReason is set when stuck() is called
	stuckReason string
	isStuck     bool
}

func NewRuntime(s Session) *Runtime {
	return &Runtime{session: s, logs: make([]string, 0)}
}

// Execute runs the script at scriptPath. workflow() receives the ledger's
// initial task. Cancelling ctx aborts the script and any running agent.
func (r *Runtime) Execute(ctx context.Context, scriptPath string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	return r.ExecuteString(ctx, string(script))
}

func (r *Runtime) ExecuteString(ctx context.Context, script string) error {
	r.ctx = ctx

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(script); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	workflow := L.GetGlobal("workflow")
	if workflow.Type() != lua.LTFunction {
		return fmt.Errorf("script must define a 'workflow' function")
	}

	task := r.session.Status().Ledger.InitialTask
	L.Push(workflow)
	L.Push(lua.LString(task))
	if err := L.PCall(1, 0, nil); err != nil {
		if r.isStuck {
			return r.markStuck()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("workflow execution failed: %w", err)
	}

	if r.isStuck {
		return r.markStuck()
	}
	log.Info(log.CatLua, "Script finished", "id", r.session.ID(), "transitions", r.calls)
	return nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Scripts must be replayable.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("transition", L.NewFunction(r.luaTransition))
	L.SetGlobal("snapshot", L.NewFunction(r.luaSnapshot))
	L.SetGlobal("status", L.NewFunction(r.luaStatus))
	L.SetGlobal("stuck", L.NewFunction(r.luaStuck))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaTransition implements transition(state, task, summary?)
func (r *Runtime) luaTransition(L *lua.LState) int {
	state := L.CheckString(1)
	task := L.CheckString(2)
	summary := L.OptString(3, "")

	r.calls++
	res, err := r.session.Transition(r.ctx, orchestrator.TransitionRequest{To: state, Task: task, Summary: summary})
	if err != nil {
		L.RaiseError("transition to %s failed: %v", state, err)
		return 0
	}

	tbl := L.NewTable()
	L.SetField(tbl, "outcome", lua.LString(res.Outcome))
	L.SetField(tbl, "state", lua.LString(res.State))
	L.SetField(tbl, "status", lua.LString(res.Status))
	L.SetField(tbl, "agent", lua.LString(res.Agent))
	L.SetField(tbl, "output", lua.LString(res.Output))
	L.SetField(tbl, "message", lua.LString(res.Message))
	L.SetField(tbl, "tokens", lua.LNumber(res.Tokens))
	L.SetField(tbl, "elapsed", lua.LNumber(res.Elapsed.Seconds()))
	L.SetField(tbl, "exit_code", lua.LNumber(res.ExitCode))
	L.SetField(tbl, "ok", lua.LBool(res.Outcome == orchestrator.OutcomeDone))
	L.SetField(tbl, "routes", stringsToTable(L, res.Routes))
	steps := make([]string, len(res.NextSteps))
	for i, s := range res.NextSteps {
		steps[i] = string(s)
	}
	L.SetField(tbl, "next_steps", stringsToTable(L, steps))
	L.Push(tbl)
	return 1
}

// luaSnapshot implements snapshot{findings=..., files=..., todos=..., custom=...}
func (r *Runtime) luaSnapshot(L *lua.LState) int {
	tbl := L.CheckTable(1)
	u := models.SnapshotUpdate{
		KeyFindings:   tableToStrings(tbl.RawGetString("findings")),
		ModifiedFiles: tableToStrings(tbl.RawGetString("files")),
		PendingTasks:  tableToStrings(tbl.RawGetString("todos")),
	}
	if custom, ok := tbl.RawGetString("custom").(*lua.LTable); ok {
		if m, ok := luaToGo(custom).(map[string]any); ok {
			u.Custom = m
		}
	}
	if err := r.session.UpdateSnapshot(u); err != nil {
		L.RaiseError("snapshot update failed: %v", err)
	}
	return 0
}

// luaStatus implements status()
func (r *Runtime) luaStatus(L *lua.LState) int {
	st := r.session.Status()
	l := st.Ledger
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(l.ID))
	L.SetField(tbl, "workflow", lua.LString(l.WorkflowName))
	L.SetField(tbl, "state", lua.LString(l.CurrentState))
	L.SetField(tbl, "task", lua.LString(l.CurrentStateTask))
	L.SetField(tbl, "status", lua.LString(l.Status))
	L.SetField(tbl, "tokens", lua.LNumber(l.TotalTokens))
	L.SetField(tbl, "history", lua.LNumber(len(l.History)))
	L.SetField(tbl, "next", stringsToTable(L, st.Next))
	L.SetField(tbl, "findings", stringsToTable(L, l.Snapshot.KeyFindings))
	L.SetField(tbl, "files", stringsToTable(L, l.Snapshot.ModifiedFiles))
	L.SetField(tbl, "todos", stringsToTable(L, l.Snapshot.PendingTasks))
	L.Push(tbl)
	return 1
}

// luaStuck implements the stuck(reason?) API
func (r *Runtime) luaStuck(L *lua.LState) int {
	reason := L.OptString(1, "workflow stuck")
	r.stuckReason = reason
	r.isStuck = true
	// Raise an error to stop execution
	L.RaiseError("stuck: %s", reason)
	return 0
}

func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	log.Info(log.CatLua, message, "id", r.session.ID())
	return 0
}

func (r *Runtime) markStuck() error {
	if err := r.session.Escalate(r.stuckReason); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrStuck, r.stuckReason)
}

// Logs returns the messages logged by the script.
func (r *Runtime) Logs() []string {
	return r.logs
}

// IsScript checks if a file is a Lua driver script
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}

func stringsToTable(L *lua.LState, items []string) *lua.LTable {
	tbl := L.NewTable()
	for _, s := range items {
		tbl.Append(lua.LString(s))
	}
	return tbl
}

func tableToStrings(v lua.LValue) []string {
	switch val := v.(type) {
	case lua.LString:
		return []string{string(val)}
	case *lua.LTable:
		var out []string
		val.ForEach(func(_, item lua.LValue) {
			out = append(out, item.String())
		})
		return out
	}
	return nil
}

// luaToGo converts a Lua value to plain Go data. Tables with only
// sequential integer keys become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 && n == countKeys(val) {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, luaToGo(val.RawGetInt(i)))
			}
			return list
		}
		m := map[string]any{}
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return nil
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}
