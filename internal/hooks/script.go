package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ScriptHook is an observer backed by a JavaScript file. The script
// exports a name, an optional events array, and a handle(event) function:
//
//	exports.name = "notify";
//	exports.events = ["connection", "security_event"];
//	exports.handle = function (event) {
//	    if (event.metadata.category === "ssrf") {
//	        return { abort: "ssrf traffic refused by policy" };
//	    }
//	    return {};
//	};
//
// handle may return nothing, {abort: reason} or {modify: {…}}. A script
// runtime error is a hook fault like any other and degrades to Continue.
type ScriptHook struct {
	name   string
	events []Event

	mu     sync.Mutex
	vm     *goja.Runtime
	handle goja.Callable
}

// LoadScriptHook compiles one hook script.
func LoadScriptHook(path string) (*ScriptHook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hooks: read script %s: %w", path, err)
	}

	vm := goja.New()
	exports := vm.NewObject()
	module := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	if _, err := vm.RunString(string(data)); err != nil {
		return nil, fmt.Errorf("hooks: execute script %s: %w", path, err)
	}

	if v := module.Get("exports"); v != nil {
		exports = v.ToObject(vm)
	}

	hook := &ScriptHook{vm: vm}

	if v := exports.Get("name"); v != nil && !goja.IsUndefined(v) {
		hook.name = v.String()
	} else {
		hook.name = strings.TrimSuffix(filepath.Base(path), ".js")
	}

	if v := exports.Get("events"); v != nil && !goja.IsUndefined(v) {
		if arr, ok := v.Export().([]any); ok {
			for _, item := range arr {
				if s, ok := item.(string); ok {
					hook.events = append(hook.events, Event(s))
				}
			}
		}
	}
	if len(hook.events) == 0 {
		return nil, fmt.Errorf("hooks: script %s declares no events", path)
	}

	handleVal := exports.Get("handle")
	fn, ok := goja.AssertFunction(handleVal)
	if !ok {
		return nil, fmt.Errorf("hooks: script %s: handle must be a function", path)
	}
	hook.handle = fn

	return hook, nil
}

// LoadScriptDir loads every .js file in dir, sorted by filename so
// registration order is stable. A missing directory yields no hooks.
func LoadScriptDir(dir string) ([]*ScriptHook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("hooks: read script dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".js") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var loaded []*ScriptHook
	for _, name := range names {
		hook, err := LoadScriptHook(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, hook)
	}
	return loaded, nil
}

func (h *ScriptHook) Name() string { return h.name }

func (h *ScriptHook) Events() []Event { return h.events }

// Handle marshals the context into the script and interprets its return
// value. The goja runtime is not goroutine-safe, so calls serialize on a
// per-script mutex.
func (h *ScriptHook) Handle(hctx *Context) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	eventObj := h.vm.NewObject()
	_ = eventObj.Set("event", string(hctx.Event))
	_ = eventObj.Set("connectionId", hctx.ConnectionID)
	_ = eventObj.Set("metadata", hctx.Metadata)

	result, err := h.handle(goja.Undefined(), eventObj)
	if err != nil {
		// Surfaced as a fault for the dispatch boundary to isolate.
		panic(fmt.Sprintf("script hook %s: %v", h.name, err))
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return Continue()
	}

	obj := result.ToObject(h.vm)
	if v := obj.Get("abort"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		return Abort(v.String())
	}
	if v := obj.Get("modify"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if changes, ok := v.Export().(map[string]any); ok {
			return Modify(changes)
		}
	}
	return Continue()
}
