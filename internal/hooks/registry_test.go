package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	name    string
	events  []Event
	outcome Outcome
	calls   *[]string
}

func (o *recordingObserver) Name() string    { return o.name }
func (o *recordingObserver) Events() []Event { return o.events }
func (o *recordingObserver) Handle(hctx *Context) Outcome {
	*o.calls = append(*o.calls, o.name)
	return o.outcome
}

type panickingObserver struct {
	events []Event
	calls  *[]string
}

func (o *panickingObserver) Name() string    { return "panicking" }
func (o *panickingObserver) Events() []Event { return o.events }
func (o *panickingObserver) Handle(hctx *Context) Outcome {
	*o.calls = append(*o.calls, "panicking")
	panic("observer internal fault")
}

func TestDispatchInRegistrationOrder(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(&recordingObserver{name: "first", events: []Event{EventConnection}, outcome: Continue(), calls: &calls})
	reg.Register(&recordingObserver{name: "second", events: []Event{EventConnection}, outcome: Continue(), calls: &calls})
	reg.Register(&recordingObserver{name: "other", events: []Event{EventShutdown}, outcome: Continue(), calls: &calls})

	outcome := reg.Dispatch(&Context{Event: EventConnection})

	assert.Equal(t, KindContinue, outcome.Kind)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestFirstAbortShortCircuits(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(&recordingObserver{name: "allow", events: []Event{EventBeforeToolCall}, outcome: Continue(), calls: &calls})
	reg.Register(&recordingObserver{name: "deny", events: []Event{EventBeforeToolCall}, outcome: Abort("policy"), calls: &calls})
	reg.Register(&recordingObserver{name: "never", events: []Event{EventBeforeToolCall}, outcome: Continue(), calls: &calls})

	outcome := reg.Dispatch(&Context{Event: EventBeforeToolCall})

	assert.Equal(t, KindAbort, outcome.Kind)
	assert.Equal(t, "policy", outcome.Reason)
	assert.Equal(t, []string{"allow", "deny"}, calls)
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(&panickingObserver{events: []Event{EventConnection}, calls: &calls})
	reg.Register(&recordingObserver{name: "after", events: []Event{EventConnection}, outcome: Continue(), calls: &calls})

	var outcome Outcome
	assert.NotPanics(t, func() {
		outcome = reg.Dispatch(&Context{Event: EventConnection})
	})
	assert.Equal(t, KindContinue, outcome.Kind)
	assert.Equal(t, []string{"panicking", "after"}, calls)
}

func TestModifyMergesIntoMetadata(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(&recordingObserver{
		name:    "tagger",
		events:  []Event{EventBeforeToolCall},
		outcome: Modify(map[string]any{"tag": "seen"}),
		calls:   &calls,
	})

	hctx := &Context{Event: EventBeforeToolCall, Metadata: map[string]any{"tool": "shell"}}
	outcome := reg.Dispatch(hctx)

	assert.Equal(t, KindContinue, outcome.Kind)
	assert.Equal(t, "seen", hctx.Metadata["tag"])
	assert.Equal(t, "shell", hctx.Metadata["tool"])
}

func TestDispatchWithoutSubscribersContinues(t *testing.T) {
	reg := NewRegistry()
	outcome := reg.Dispatch(&Context{Event: EventStartup})
	assert.Equal(t, KindContinue, outcome.Kind)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestScriptHookContinue(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "noop.js", `
exports.name = "noop";
exports.events = ["connection"];
exports.handle = function (event) { return {}; };
`)

	loaded, err := LoadScriptDir(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "noop", loaded[0].Name())

	outcome := loaded[0].Handle(&Context{Event: EventConnection, ConnectionID: "c1"})
	assert.Equal(t, KindContinue, outcome.Kind)
}

func TestScriptHookAbort(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "deny.js", `
exports.events = ["before_tool_call"];
exports.handle = function (event) {
    if (event.metadata.tool === "shell") {
        return { abort: "shell access denied" };
    }
    return {};
};
`)

	hook, err := LoadScriptHook(path)
	require.NoError(t, err)
	assert.Equal(t, "deny", hook.Name())

	outcome := hook.Handle(&Context{
		Event:    EventBeforeToolCall,
		Metadata: map[string]any{"tool": "shell"},
	})
	assert.Equal(t, KindAbort, outcome.Kind)
	assert.Equal(t, "shell access denied", outcome.Reason)

	outcome = hook.Handle(&Context{
		Event:    EventBeforeToolCall,
		Metadata: map[string]any{"tool": "read_file"},
	})
	assert.Equal(t, KindContinue, outcome.Kind)
}

func TestScriptHookModify(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "tag.js", `
exports.events = ["connection"];
exports.handle = function (event) {
    return { modify: { source: "script" } };
};
`)

	hook, err := LoadScriptHook(path)
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register(hook)
	hctx := &Context{Event: EventConnection}
	reg.Dispatch(hctx)
	assert.Equal(t, "script", hctx.Metadata["source"])
}

func TestScriptHookRuntimeErrorIsIsolated(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "broken.js", `
exports.events = ["connection"];
exports.handle = function (event) { throw new Error("boom"); };
`)

	hook, err := LoadScriptHook(path)
	require.NoError(t, err)

	var calls []string
	reg := NewRegistry()
	reg.Register(hook)
	reg.Register(&recordingObserver{name: "after", events: []Event{EventConnection}, outcome: Continue(), calls: &calls})

	var outcome Outcome
	assert.NotPanics(t, func() {
		outcome = reg.Dispatch(&Context{Event: EventConnection})
	})
	assert.Equal(t, KindContinue, outcome.Kind)
	assert.Equal(t, []string{"after"}, calls)
}

func TestLoadScriptDirValidation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bad.js", `exports.handle = function () {};`)

	_, err := LoadScriptDir(dir)
	assert.Error(t, err)

	loaded, err := LoadScriptDir(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Empty(t, loaded)
}
