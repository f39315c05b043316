package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ExpressionSandbox evaluates tenant-authored code with a wall-clock bound.
// Implementations must not expose ambient I/O to the evaluated code.
type ExpressionSandbox interface {
	Evaluate(ctx context.Context, code string, bindings map[string]any, timeout time.Duration) (any, error)
}

// JSSandbox evaluates JavaScript in an embedded interpreter. Each call gets a
// fresh runtime, so evaluations cannot observe one another.
type JSSandbox struct{}

// NewJSSandbox creates the interpreter-backed sandbox.
func NewJSSandbox() *JSSandbox {
	return &JSSandbox{}
}

// Evaluate runs code as a function body with the bindings in scope. The
// runtime is interrupted when the timeout or the context expires.
func (s *JSSandbox) Evaluate(ctx context.Context, code string, bindings map[string]any, timeout time.Duration) (result any, err error) {
	vm := goja.New()
	for name, value := range bindings {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind %q: %w", name, err)
		}
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-evalCtx.Done():
			vm.Interrupt("evaluation timed out")
		case <-done:
		}
	}()
	defer close(done)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation aborted: %v", r)
		}
	}()

	// Bare expressions ("row.age > 18") and function bodies ("return data")
	// are both accepted; try the expression form first.
	program, compileErr := goja.Compile("", "(function() { return (\n"+code+"\n) })()", false)
	if compileErr != nil {
		program, compileErr = goja.Compile("", "(function() {\n"+code+"\n})()", false)
	}
	if compileErr != nil {
		return nil, compileErr
	}

	value, err := vm.RunProgram(program)
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, fmt.Errorf("evaluation timed out after %s", timeout)
		}
		return nil, err
	}
	return value.Export(), nil
}

var _ ExpressionSandbox = (*JSSandbox)(nil)
