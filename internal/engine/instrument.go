// Source instrumentation for monitored scripts. Before execution the
// script is parsed and every declared function receives an injected
// prologue that reports entry, exit and faults to the tracer through
// the probe package:
//
//	__nt.Enter("main.fn", "script.go", 12, "x", x)
//	defer func() {
//		if r := recover(); r != nil {
//			__nt.Fault(r)
//			__nt.Exit()
//			panic(r)
//		}
//		__nt.Exit()
//	}()
//
// The recover happens in the innermost frame first, so the fault
// snapshot is taken while the full stack is still live, and every frame
// pops exactly once whether the function returns or unwinds.
package engine

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strconv"

	"go.uber.org/zap"

	"neurotrace/internal/trace"
)

// ProbePath is the import path the instrumented script uses for its
// hooks; the engine exports the package into the interpreter under the
// same path.
const ProbePath = "neurotrace/probe"

const probeAlias = "__nt"

type instrumenter struct {
	fset        *token.FileSet
	pkg         string
	file        string
	granularity trace.Granularity
	logger      *zap.Logger
	skipped     int
}

// Instrument rewrites a monitored script with tracing hooks. A script
// that fails to parse is returned as an error; a single function that
// resists instrumentation is logged and skipped, leaving every other
// frame observable.
func Instrument(src []byte, filename string, g trace.Granularity, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return "", fmt.Errorf("failed to parse script: %w", err)
	}

	ins := &instrumenter{
		fset:        fset,
		pkg:         f.Name.Name,
		file:        filename,
		granularity: g,
		logger:      logger,
	}

	instrumented := 0
	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		if ins.instrumentFunc(fn) {
			instrumented++
		}
	}

	if instrumented > 0 {
		f.Decls = append([]ast.Decl{probeImportDecl()}, f.Decls...)
	}

	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, f); err != nil {
		return "", fmt.Errorf("failed to print instrumented script: %w", err)
	}
	return buf.String(), nil
}

// instrumentFunc injects the tracing prologue into one function. Any
// panic while rewriting is absorbed: instrumentation is best-effort and
// must never abort the monitored program.
func (ins *instrumenter) instrumentFunc(fn *ast.FuncDecl) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ins.skipped++
			ins.logger.Warn("failed to instrument function, skipping",
				zap.String("function", fn.Name.Name),
				zap.Any("cause", r))
			ok = false
		}
	}()

	if ins.granularity == trace.GranularityStatement {
		ins.injectSteps(fn.Body)
	}

	prologue := []ast.Stmt{
		&ast.ExprStmt{X: ins.enterCall(fn)},
		deferExitStmt(),
	}
	fn.Body.List = append(prologue, fn.Body.List...)
	return true
}

// enterCall builds __nt.Enter("pkg.fn", file, line, name, value, ...).
func (ins *instrumenter) enterCall(fn *ast.FuncDecl) *ast.CallExpr {
	line := ins.fset.Position(fn.Pos()).Line
	args := []ast.Expr{
		strLit(ins.qualifiedName(fn)),
		strLit(ins.file),
		intLit(line),
	}
	for _, name := range paramNames(fn) {
		args = append(args, strLit(name), ast.NewIdent(name))
	}
	return probeCall("Enter", args...)
}

// qualifiedName renders "pkg.Fn" or "pkg.Recv.Fn" for methods.
func (ins *instrumenter) qualifiedName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ins.pkg + "." + fn.Name.Name
	}
	return ins.pkg + "." + receiverTypeName(fn.Recv.List[0].Type) + "." + fn.Name.Name
}

func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.IndexExpr:
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	default:
		return "?"
	}
}

// paramNames collects receiver and parameter identifiers whose values
// are snapshotted at entry.
func paramNames(fn *ast.FuncDecl) []string {
	var names []string
	collect := func(fl *ast.FieldList) {
		if fl == nil {
			return
		}
		for _, field := range fl.List {
			for _, id := range field.Names {
				if id.Name != "_" {
					names = append(names, id.Name)
				}
			}
		}
	}
	collect(fn.Recv)
	collect(fn.Type.Params)
	return names
}

// injectSteps prepends a __nt.Step(line) marker before every statement
// in every block of the function body, including nested blocks and
// switch/select clauses.
func (ins *instrumenter) injectSteps(body *ast.BlockStmt) {
	ast.Inspect(body, func(n ast.Node) bool {
		switch b := n.(type) {
		case *ast.BlockStmt:
			b.List = ins.withSteps(b.List)
		case *ast.CaseClause:
			b.Body = ins.withSteps(b.Body)
		case *ast.CommClause:
			b.Body = ins.withSteps(b.Body)
		}
		return true
	})
}

func (ins *instrumenter) withSteps(stmts []ast.Stmt) []ast.Stmt {
	if len(stmts) == 0 {
		return stmts
	}
	out := make([]ast.Stmt, 0, 2*len(stmts))
	for _, st := range stmts {
		if !isInjected(st) {
			line := ins.fset.Position(st.Pos()).Line
			out = append(out, &ast.ExprStmt{X: probeCall("Step", intLit(line))})
		}
		out = append(out, st)
	}
	return out
}

// isInjected guards against double-marking statements that were already
// inserted by this pass (nested blocks are visited after their parent).
func isInjected(st ast.Stmt) bool {
	es, ok := st.(*ast.ExprStmt)
	if !ok {
		return false
	}
	call, ok := es.X.(*ast.CallExpr)
	if !ok {
		return false
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	id, ok := sel.X.(*ast.Ident)
	return ok && id.Name == probeAlias
}

// deferExitStmt builds the recover-aware exit hook.
func deferExitStmt() ast.Stmt {
	r := ast.NewIdent("r")
	return &ast.DeferStmt{
		Call: &ast.CallExpr{
			Fun: &ast.FuncLit{
				Type: &ast.FuncType{Params: &ast.FieldList{}},
				Body: &ast.BlockStmt{List: []ast.Stmt{
					&ast.IfStmt{
						Init: &ast.AssignStmt{
							Lhs: []ast.Expr{r},
							Tok: token.DEFINE,
							Rhs: []ast.Expr{&ast.CallExpr{Fun: ast.NewIdent("recover")}},
						},
						Cond: &ast.BinaryExpr{X: r, Op: token.NEQ, Y: ast.NewIdent("nil")},
						Body: &ast.BlockStmt{List: []ast.Stmt{
							&ast.ExprStmt{X: probeCall("Fault", r)},
							&ast.ExprStmt{X: probeCall("Exit")},
							&ast.ExprStmt{X: &ast.CallExpr{
								Fun:  ast.NewIdent("panic"),
								Args: []ast.Expr{r},
							}},
						}},
					},
					&ast.ExprStmt{X: probeCall("Exit")},
				}},
			},
		},
	}
}

func probeImportDecl() *ast.GenDecl {
	return &ast.GenDecl{
		Tok: token.IMPORT,
		Specs: []ast.Spec{&ast.ImportSpec{
			Name: ast.NewIdent(probeAlias),
			Path: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(ProbePath)},
		}},
	}
}

func probeCall(name string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent(probeAlias),
			Sel: ast.NewIdent(name),
		},
		Args: args,
	}
}

func strLit(s string) ast.Expr {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}

func intLit(n int) ast.Expr {
	return &ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(n)}
}
