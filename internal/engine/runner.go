package engine

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"reflect"
	"strconv"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"neurotrace/internal/trace"
)

// blockedImports are packages a sandboxed monitored script may not use.
// Interpretation keeps the script in-process; these would let it reach
// outside the sandbox. Unrestricted mode lifts the check.
var blockedImports = map[string]bool{
	"os/exec":       true,
	"syscall":       true,
	"unsafe":        true,
	"plugin":        true,
	"net":           true,
	"net/http":      true,
	"runtime/debug": true,
}

// ValidateScript rejects scripts that import blocked packages. Only the
// import clause is parsed; syntax errors elsewhere are left for the
// instrumenter to report.
func ValidateScript(src []byte, filename string) error {
	f, err := parser.ParseFile(token.NewFileSet(), filename, src, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	var forbidden []string
	for _, spec := range f.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		if blockedImports[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("script imports blocked packages: %v", forbidden)
	}
	return nil
}

// probeExports exposes the tracer to interpreted code under ProbePath.
// The instrumented prologue calls these; values cross the interpreter
// boundary as ordinary Go values.
func probeExports(t *trace.Tracer) interp.Exports {
	return interp.Exports{
		ProbePath + "/probe": map[string]reflect.Value{
			"Enter": reflect.ValueOf(func(function, file string, line int, kv ...interface{}) {
				t.Enter(function, file, line, renderLocals(kv))
			}),
			"Exit": reflect.ValueOf(func() {
				t.Exit()
			}),
			"Step": reflect.ValueOf(func(line int) {
				t.Step(line)
			}),
			"Fault": reflect.ValueOf(func(v interface{}) {
				t.Fault(renderFault(v))
			}),
		},
	}
}

// renderLocals converts alternating name/value pairs into entry-time
// snapshots. Values are rendered immediately; they may be mutated or
// freed by the time the stack is captured.
func renderLocals(kv []interface{}) []trace.Local {
	if len(kv) < 2 {
		return nil
	}
	locals := make([]trace.Local, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			continue
		}
		locals = append(locals, trace.Local{
			Name:  name,
			Value: fmt.Sprintf("%v", kv[i+1]),
		})
	}
	return locals
}

// renderFault turns a recovered value into the fault description.
func renderFault(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}

// execute runs an instrumented script in the interpreter with its
// stdout/stderr routed through the given writers. It returns the fault
// description when the program crashed and faulted=true; an error is
// returned only for failures of the runner itself.
func execute(ctx context.Context, src string, tracer *trace.Tracer, stdout, stderr io.Writer) (fault string, faulted bool, err error) {
	i := interp.New(interp.Options{
		Stdout: stdout,
		Stderr: stderr,
	})
	if uerr := i.Use(stdlib.Symbols); uerr != nil {
		return "", false, fmt.Errorf("failed to load interpreter stdlib: %w", uerr)
	}
	if uerr := i.Use(probeExports(tracer)); uerr != nil {
		return "", false, fmt.Errorf("failed to export probe: %w", uerr)
	}

	// A panic that escapes the interpreter surfaces here; the tracer
	// already holds its snapshot because the instrumented defers ran
	// before the unwind reached us.
	defer func() {
		if r := recover(); r != nil {
			fault = renderFault(r)
			faulted = true
			err = nil
		}
	}()

	if _, everr := i.EvalWithContext(ctx, src); everr != nil {
		return evalFault(everr), true, nil
	}
	if _, everr := i.EvalWithContext(ctx, "main.main()"); everr != nil {
		return evalFault(everr), true, nil
	}
	return "", false, nil
}

// evalFault extracts the panic value from an interpreter error when one
// is present; compile and runtime errors are reported as-is.
func evalFault(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		return renderFault(p.Value)
	}
	return err.Error()
}
