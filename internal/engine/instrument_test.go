package engine

import (
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurotrace/internal/trace"
)

const simpleScript = `package main

import "fmt"

func add(a, b int) int {
	return a + b
}

func main() {
	fmt.Println(add(1, 2))
}
`

func TestInstrument_InjectsPrologue(t *testing.T) {
	out, err := Instrument([]byte(simpleScript), "script.go", trace.GranularityFunction, nil)
	require.NoError(t, err)

	assert.Contains(t, out, `__nt "neurotrace/probe"`)
	assert.Contains(t, out, `__nt.Enter("main.add", "script.go", 5, "a", a, "b", b)`)
	assert.Contains(t, out, `__nt.Enter("main.main", "script.go", 9)`)
	assert.Contains(t, out, `__nt.Fault(r)`)
	assert.Contains(t, out, `__nt.Exit()`)
	assert.Contains(t, out, `panic(r)`)
	assert.NotContains(t, out, "__nt.Step", "function granularity injects no step markers")
}

func TestInstrument_OutputParses(t *testing.T) {
	for _, g := range []trace.Granularity{trace.GranularityFunction, trace.GranularityStatement} {
		out, err := Instrument([]byte(simpleScript), "script.go", g, nil)
		require.NoError(t, err)
		_, err = parser.ParseFile(token.NewFileSet(), "script.go", out, parser.SkipObjectResolution)
		require.NoError(t, err, "instrumented output must still be valid Go")
	}
}

func TestInstrument_StatementGranularity(t *testing.T) {
	src := `package main

func main() {
	x := 1
	if x > 0 {
		x = 2
	}
	for i := 0; i < x; i++ {
		x--
	}
}
`
	out, err := Instrument([]byte(src), "script.go", trace.GranularityStatement, nil)
	require.NoError(t, err)

	assert.Contains(t, out, "__nt.Step(4)")
	assert.Contains(t, out, "__nt.Step(6)", "statements inside nested blocks are marked")
	assert.Contains(t, out, "__nt.Step(9)")

	// Each marker appears once; nested block passes must not double-mark.
	assert.Equal(t, 1, strings.Count(out, "__nt.Step(4)"))
	assert.Equal(t, 1, strings.Count(out, "__nt.Step(6)"))
}

func TestInstrument_Methods(t *testing.T) {
	src := `package main

type counter struct{ n int }

func (c *counter) bump(by int) {
	c.n += by
}

func main() {
	(&counter{}).bump(2)
}
`
	out, err := Instrument([]byte(src), "script.go", trace.GranularityFunction, nil)
	require.NoError(t, err)
	assert.Contains(t, out, `__nt.Enter("main.counter.bump", "script.go", 5, "c", c, "by", by)`)
}

func TestInstrument_SkipsBlankParams(t *testing.T) {
	src := `package main

func ignore(_ int, kept string) {}

func main() {
	ignore(1, "x")
}
`
	out, err := Instrument([]byte(src), "script.go", trace.GranularityFunction, nil)
	require.NoError(t, err)
	assert.Contains(t, out, `__nt.Enter("main.ignore", "script.go", 3, "kept", kept)`)
}

func TestInstrument_ParseError(t *testing.T) {
	_, err := Instrument([]byte("package main\nfunc main( {"), "script.go", trace.GranularityFunction, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse script")
}

func TestInstrument_NoFunctionsNoImport(t *testing.T) {
	out, err := Instrument([]byte("package main\n\nvar x = 1\n"), "script.go", trace.GranularityFunction, nil)
	require.NoError(t, err)
	assert.NotContains(t, out, "__nt", "nothing to hook, nothing to import")
}

func TestValidateScript(t *testing.T) {
	blocked := `package main

import (
	"fmt"
	"os/exec"
)

func main() { fmt.Println(exec.Command("ls")) }
`
	err := ValidateScript([]byte(blocked), "script.go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "os/exec")

	assert.NoError(t, ValidateScript([]byte(simpleScript), "script.go"))

	// Syntax errors are left for the instrumenter to report.
	assert.NoError(t, ValidateScript([]byte("package main\nfunc main( {"), "script.go"))
}
