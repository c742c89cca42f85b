// Package executor runs privileged actions on behalf of authorized
// connections. Every action is bounded by the caller's context and by a
// sandbox policy; failures surface as error outputs, never as process
// faults.
package executor

import (
	"context"
	"fmt"
	"time"
)

// Action is one privileged operation requested through the gateway.
type Action struct {
	Tool      string
	Arguments map[string]any
}

// SandboxPolicy bounds what one action may touch.
type SandboxPolicy struct {
	// DenyPaths are filesystem prefixes read_file must refuse.
	DenyPaths []string
	// WorkingDir is where shell commands run.
	WorkingDir string
	// Timeout bounds one action end to end.
	Timeout time.Duration
	// MaxOutputBytes caps captured output.
	MaxOutputBytes int
}

func (p SandboxPolicy) timeout() time.Duration {
	if p.Timeout <= 0 {
		return 60 * time.Second
	}
	return p.Timeout
}

func (p SandboxPolicy) maxOutput() int {
	if p.MaxOutputBytes <= 0 {
		return 256 * 1024
	}
	return p.MaxOutputBytes
}

// Output is an action's result. IsError marks failures that belong to the
// action itself; the connection that requested it keeps running.
type Output struct {
	Content string
	IsError bool
}

func errOutput(format string, args ...any) Output {
	return Output{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Executor runs actions. Implementations own their sandbox enforcement.
type Executor interface {
	Execute(ctx context.Context, action Action, policy SandboxPolicy) (Output, error)
	Tools() []string
}

func stringArg(action Action, key string) (string, bool) {
	v, ok := action.Arguments[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
