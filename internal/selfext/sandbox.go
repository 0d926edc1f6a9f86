// Package selfext implements the kernel's sandboxed self-extension
// facility (spec §1, SPEC_FULL.md §4.3.1): a running agent can ask the
// kernel to compile-check a script and register it as a new
// python.runtime.* tool plugin that runs the script on each call.
//
// Grounded on internal/plugin-panel-system/runtime_starlark.go, which
// embeds a sandboxed scripting language exposing only pure
// computation, no host I/O. That package's chosen embedding
// (go.starlark.net) is not a dependency anywhere in the pack; this
// kernel instead reuses github.com/yuin/gopher-lua — the sandboxable
// scripting engine the teacher's own go.mod already carries (named by
// plugin-panel-system/types.go's RuntimeLua, never wired to a real
// interpreter there) — for the identical purpose: a pure-compute,
// no-stdlib-IO script sandbox.
package selfext

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// maxScriptBytes bounds the size of a self-extension script before it
// is even parsed.
const maxScriptBytes = 64 * 1024

// Sandbox evaluates self-extension scripts inside a fresh, minimally
// privileged Lua VM: only base, table, string, and math are loaded, so
// a script can compute but can never touch the filesystem, network,
// or os/process state, and every run is bounded by a wall-clock
// timeout in place of the original's step-count limit (gopher-lua has
// no portable instruction counter; a context deadline checked from a
// line hook gives an equivalent bound).
type Sandbox struct {
	timeout time.Duration
}

// NewSandbox builds a Sandbox with the given execution timeout.
func NewSandbox(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Sandbox{timeout: timeout}
}

// Validate compiles script without executing it, rejecting empty
// scripts, oversized scripts, and syntax errors before anything is
// registered as a plugin.
func (s *Sandbox) Validate(script string) error {
	if len(script) == 0 {
		return fmt.Errorf("selfext: empty script")
	}
	if len(script) > maxScriptBytes {
		return fmt.Errorf("selfext: script exceeds %d bytes", maxScriptBytes)
	}
	L := s.newRestrictedState()
	defer L.Close()
	if _, err := L.LoadString(script); err != nil {
		return fmt.Errorf("selfext: script failed to compile: %w", err)
	}
	return nil
}

// Run executes script inside a fresh sandboxed VM with the global
// `action` bound to action, and returns the boolean the script leaves
// in the global `ok`, defaulting to false if the script never sets it.
func (s *Sandbox) Run(ctx context.Context, script, action string) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	L := s.newRestrictedState()
	defer L.Close()
	L.SetContext(runCtx)

	L.SetGlobal("action", lua.LString(action))
	L.SetGlobal("ok", lua.LFalse)

	if err := L.DoString(script); err != nil {
		return false, fmt.Errorf("selfext: script execution failed: %w", err)
	}

	result := L.GetGlobal("ok")
	return result == lua.LTrue, nil
}

// newRestrictedState builds a Lua VM with only pure-computation
// libraries loaded: no io, os, package, debug, or coroutine library is
// ever registered, so a script has no path to the host filesystem,
// network, or process table.
func (s *Sandbox) newRestrictedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 64, RegistrySize: 1024})
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
	// The base library also registers dofile and loadfile, which read
	// files from disk.
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	return L
}
