package simulator

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// Engine compiles the policy bundle once and evaluates data queries against
// it.
type Engine struct {
	compiler *ast.Compiler
	store    storage.Store
}

// NewEngine parses and compiles the bundle modules over the given base
// document.
func NewEngine(modules map[string]string, data map[string]interface{}) (*Engine, error) {
	parsed := make(map[string]*ast.Module, len(modules))
	for name, source := range modules {
		module, err := ast.ParseModule(name, source)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		parsed[name] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(parsed)
	if compiler.Failed() {
		return nil, fmt.Errorf("failed to compile policy bundle: %v", compiler.Errors)
	}

	if data == nil {
		data = map[string]interface{}{}
	}

	return &Engine{compiler: compiler, store: inmem.NewFromObject(data)}, nil
}

// Query evaluates the document at path with the given input. A nil value
// with a nil error means the document is undefined.
func (e *Engine) Query(ctx context.Context, path string, input interface{}, strict bool) (interface{}, error) {
	opts := []func(*rego.Rego){
		rego.Query(dataQuery(path)),
		rego.Compiler(e.compiler),
		rego.Store(e.store),
	}
	if input != nil {
		opts = append(opts, rego.Input(input))
	}
	if strict {
		opts = append(opts, rego.StrictBuiltinErrors(true))
	}

	rs, err := rego.New(opts...).Eval(ctx)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	return rs[0].Expressions[0].Value, nil
}

// dataQuery renders a URL path as a data reference, quoting each segment
// so names with special characters stay valid.
func dataQuery(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "data"
	}

	var b strings.Builder
	b.WriteString("data")
	for _, segment := range strings.Split(path, "/") {
		fmt.Fprintf(&b, "[%q]", segment)
	}
	return b.String()
}
