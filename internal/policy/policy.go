// Package policy evaluates rego-based requirement policies used by the
// provider registry's select_provider to filter candidates beyond plain tag
// matching — e.g. "only providers tagged gpu AND region=us-east".
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Engine compiles and evaluates provider-selection policies from a
// directory of .rego files, one prepared query per package.
type Engine struct {
	mu              sync.RWMutex
	preparedQueries map[string]*rego.PreparedEvalQuery
	policyDir       string
	defaultPackage  string
	compileLatency  metric.Float64Histogram
}

// NewEngine constructs a policy Engine rooted at policyDir, whose decision
// path defaults to data.gleitzeit.providers.allow.
func NewEngine(policyDir string, meter metric.Meter) *Engine {
	compileLatency, _ := meter.Float64Histogram("gleitzeit_policy_compile_latency_ms")
	return &Engine{
		preparedQueries: make(map[string]*rego.PreparedEvalQuery),
		policyDir:       policyDir,
		defaultPackage:  "gleitzeit.providers",
		compileLatency:  compileLatency,
	}
}

// Load parses and compiles every *.rego file under the policy directory. A
// missing directory is not an error: requirement policies are optional, and
// SelectProvider falls back to plain tag matching when none are loaded.
func (e *Engine) Load(ctx context.Context) error {
	start := time.Now()

	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return fmt.Errorf("glob policies: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return fmt.Errorf("parse policy %s: %w", file, err)
		}
		modules[file] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return fmt.Errorf("compile policies: %v", compiler.Errors)
	}

	packages := make(map[string]bool)
	for _, m := range modules {
		packages[m.Package.Path.String()] = true
	}

	prepared := make(map[string]*rego.PreparedEvalQuery, len(packages))
	for pkg := range packages {
		query := fmt.Sprintf("data.%s.allow", pkg)
		pq, err := rego.New(
			rego.Query(query),
			rego.Compiler(compiler),
		).PrepareForEval(ctx)
		if err != nil {
			return fmt.Errorf("prepare query for %s: %w", pkg, err)
		}
		prepared[pkg] = &pq
	}

	e.mu.Lock()
	e.preparedQueries = prepared
	e.mu.Unlock()

	e.compileLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("policy_count", len(files))))
	return nil
}

// Allow evaluates the default package's decision against input, returning
// true when no policy is loaded (fail-open for requirement matching, since
// absent a policy the registry's plain tag filter already applies).
func (e *Engine) Allow(ctx context.Context, input map[string]interface{}) (bool, error) {
	e.mu.RLock()
	pq, ok := e.preparedQueries[e.defaultPackage]
	e.mu.RUnlock()
	if !ok {
		return true, nil
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := rs[0].Expressions[0].Value.(bool)
	return allowed, nil
}
