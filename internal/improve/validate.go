package improve

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"

	"goalforge/internal/tools"
)

// ValidateSource statically checks a candidate replacement before any of it
// runs: it must parse, declare package main, export Define and RunTool with
// the exact contract signatures, stay inside the import whitelist, and keep
// the same tool name.
func ValidateSource(sandbox *tools.Sandbox, source, expectName string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, 0)
	if err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	if file.Name == nil || file.Name.Name != "main" {
		return fmt.Errorf("candidate must declare package main")
	}

	var hasDefine, hasRun bool
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		switch fn.Name.Name {
		case "Define":
			hasDefine = validDefineSig(fn.Type)
		case "RunTool":
			hasRun = validRunSig(fn.Type)
		}
	}
	if !hasDefine {
		return fmt.Errorf("candidate missing func Define() string")
	}
	if !hasRun {
		return fmt.Errorf("candidate missing func RunTool(string) (string, error)")
	}

	if err := sandbox.CheckImports(source); err != nil {
		return err
	}

	// The candidate must still load in the interpreter and keep its name.
	def, err := sandbox.Describe(source)
	if err != nil {
		return fmt.Errorf("candidate does not load: %w", err)
	}
	if def.Name != expectName {
		return fmt.Errorf("candidate renamed the tool to %q, want %q", def.Name, expectName)
	}
	return nil
}

func validDefineSig(t *ast.FuncType) bool {
	if t.Params != nil && len(t.Params.List) != 0 {
		return false
	}
	return t.Results != nil && len(t.Results.List) == 1 && isIdent(t.Results.List[0].Type, "string")
}

func validRunSig(t *ast.FuncType) bool {
	if t.Params == nil || countFields(t.Params) != 1 || !isIdent(t.Params.List[0].Type, "string") {
		return false
	}
	if t.Results == nil || countFields(t.Results) != 2 {
		return false
	}
	return isIdent(t.Results.List[0].Type, "string") && isIdent(t.Results.List[1].Type, "error")
}

func isIdent(expr ast.Expr, name string) bool {
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == name
}

func countFields(fl *ast.FieldList) int {
	n := 0
	for _, f := range fl.List {
		if len(f.Names) == 0 {
			n++
		} else {
			n += len(f.Names)
		}
	}
	return n
}
