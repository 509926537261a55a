// Package condition evaluates a transition's condition expression
// (over input|state|output) against a context snapshot, caching
// compiled programs so repeated evaluation of the same expression
// skips re-parsing. Generalized from a single "output" variable to
// the three namespaces a routing decision actually sees.
package condition

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/flowcoord/engine/values"
)

// Env is the variable environment a condition expression is compiled
// and evaluated against: the run's three context namespaces.
type Env struct {
	Input  map[string]any
	State  map[string]any
	Output map[string]any
}

func (e Env) asMap() map[string]any {
	return map[string]any{
		"input":  e.Input,
		"state":  e.State,
		"output": e.Output,
	}
}

// cache is a thread-safe LRU cache of compiled expression programs.
type cache struct {
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	mu       sync.RWMutex
}

type cacheEntry struct {
	key     string
	program *vm.Program
}

func newCache(capacity int) *cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func (c *cache) get(key string) (*vm.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).program, true
}

func (c *cache) put(key string, program *vm.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.lru.MoveToFront(el)
		el.Value.(*cacheEntry).program = program
		return
	}
	el := c.lru.PushFront(&cacheEntry{key: key, program: program})
	c.entries[key] = el
	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Evaluator compiles and runs condition expressions with an LRU cache
// of compiled programs, keyed purely by source text (the env shape is
// stable across evaluations, so compilation is safe to reuse).
type Evaluator struct {
	cache *cache
}

// NewEvaluator creates an Evaluator with the given compiled-program
// cache capacity (0 uses a sensible default).
func NewEvaluator(cacheCapacity int) *Evaluator {
	return &Evaluator{cache: newCache(cacheCapacity)}
}

// Evaluate compiles (or reuses a cached compile of) condition and runs
// it against env, expecting a boolean result. An empty condition
// always matches.
func (e *Evaluator) Evaluate(expression string, env Env) (bool, error) {
	if expression == "" {
		return true, nil
	}

	envMap := env.asMap()

	program, ok := e.cache.get(expression)
	if !ok {
		compiled, err := expr.Compile(expression, expr.Env(envMap), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile condition %q: %w", expression, err)
		}
		e.cache.put(expression, compiled)
		program = compiled
	}

	result, err := expr.Run(program, envMap)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q must return boolean, got %T", expression, result)
	}
	return boolResult, nil
}

// ResolvePath evaluates a "$.<ns>.<path>" source expression against
// env, used by mapping resolution and final-output extraction. It
// does not use expr-lang: these are plain dotted-path lookups
// prefixed by "$.", not boolean conditions.
func ResolvePath(expression string, env Env) (any, bool) {
	path, ok := stripDollarPrefix(expression)
	if !ok {
		return nil, false
	}
	return lookupNamespaced(path, env)
}

func stripDollarPrefix(expression string) (string, bool) {
	const prefix = "$."
	if len(expression) <= len(prefix) || expression[:len(prefix)] != prefix {
		return "", false
	}
	return expression[len(prefix):], true
}

// lookupNamespaced resolves "input.x", "state.x", or "output.x"
// against the matching namespace in env.
func lookupNamespaced(path string, env Env) (any, bool) {
	ns, rest, ok := strings.Cut(path, ".")
	if !ok {
		ns, rest = path, ""
	}

	var root map[string]any
	switch ns {
	case "input":
		root = env.Input
	case "state":
		root = env.State
	case "output":
		root = env.Output
	default:
		return nil, false
	}

	if rest == "" {
		return root, root != nil
	}
	return values.Get(root, rest)
}
