package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// runParallel runs every branch concurrently. The output lists each branch's
// output in declaration order.
func (x *execution) runParallel(ctx context.Context, node *Node, par *schema.Parallel, scope *expressions.Scope, path string) nodeResult {
	subs := schema.Children(par)
	cont := par.OnError == schema.OnErrorContinue
	results, ferr := x.fanOut(ctx, path, len(subs), par.MaxConcurrency, !cont, func(ctx context.Context, i int) graphResult {
		return x.runGraph(ctx, node.Children[i], scope.Child(), joinPath(path, subs[i].Segment), x.config.MaxConcurrency)
	})
	return collectFan(results, ferr, cont)
}

// runBranch runs then or else depending on the condition. A missing arm skips the node.
func (x *execution) runBranch(ctx context.Context, node *Node, br *schema.Branch, scope *expressions.Scope, path string) nodeResult {
	ok, err := x.resolver.EvaluateCondition(ctx, br.If, scope)
	if err != nil {
		return failed(nodeError(err, path, schema.ErrCodeExpression), 0)
	}
	idx, segment := 0, "then"
	if !ok {
		idx, segment = 1, "else"
	}
	return x.runArm(ctx, node.Children[idx], scope, joinPath(path, segment))
}

// runSwitch runs the first case equal to the resolved value, or the default.
func (x *execution) runSwitch(ctx context.Context, node *Node, sw *schema.Switch, scope *expressions.Scope, path string) nodeResult {
	value, err := x.resolver.Evaluate(ctx, sw.Value, scope)
	if err != nil {
		return failed(nodeError(err, path, schema.ErrCodeExpression), 0)
	}
	subs := schema.Children(sw)
	idx := len(subs) - 1
	for i, c := range sw.Cases {
		if valuesEqual(value, c.Value) {
			idx = i
			break
		}
	}
	return x.runArm(ctx, node.Children[idx], scope, joinPath(path, subs[idx].Segment))
}

func (x *execution) runArm(ctx context.Context, g *Graph, scope *expressions.Scope, prefix string) nodeResult {
	if len(g.Nodes) == 0 {
		return nodeResult{status: schema.NodeSkipped}
	}
	return fromGraph(x.runGraph(ctx, g, scope.Child(), prefix, x.config.MaxConcurrency))
}

// runForEach runs the body once per item, sequentially unless concurrent is
// set. The output lists each iteration's output in item order.
func (x *execution) runForEach(ctx context.Context, node *Node, fe *schema.ForEach, scope *expressions.Scope, path string) nodeResult {
	items, ee := x.collection(ctx, fe.Over, scope, path)
	if ee != nil {
		return failed(ee, 0)
	}

	body := node.Children[0]
	itemVar, indexVar := orDefault(fe.As, defaultItemVar), orDefault(fe.IndexAs, defaultIndexVar)
	limit := 1
	if fe.Concurrent {
		limit = fe.MaxConcurrency
	}
	cont := fe.OnError == schema.OnErrorContinue

	results, ferr := x.fanOut(ctx, path, len(items), limit, !cont, func(ctx context.Context, i int) graphResult {
		iter := scope.Child()
		_ = iter.Bind(itemVar, items[i])
		_ = iter.Bind(indexVar, i)
		return x.runGraph(ctx, body, iter, joinPath(path, iterSegment(i)), x.config.MaxConcurrency)
	})
	return collectFan(results, ferr, cont)
}

// runWhile repeats the body while the condition holds. Body outputs are
// carried into the next condition check and iteration; the node's output is
// the last iteration's output.
func (x *execution) runWhile(ctx context.Context, node *Node, w *schema.While, scope *expressions.Scope, path string) nodeResult {
	body := node.Children[0]
	maxIter := w.MaxIterations
	if maxIter == 0 {
		maxIter = defaultMaxIterations
	}
	iterVar := orDefault(w.IterationAs, defaultIterationVar)

	carry := scope.Child()
	var last any
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return failed(cancelledError(path, ctx.Err()), 0)
		}
		if x.halted.Load() {
			return nodeResult{status: schema.NodeSuspended}
		}

		ok, err := x.resolver.EvaluateCondition(ctx, w.Condition, carry)
		if err != nil {
			return failed(nodeError(err, path, schema.ErrCodeExpression), 0)
		}
		if !ok {
			return nodeResult{status: schema.NodeSucceeded, output: last}
		}
		if i >= maxIter {
			return failed(schema.NewErrorf(schema.ErrCodeMaxIterations,
				"while %s exceeded %d iterations", node.Name, maxIter).
				WithNode(path).
				WithDetails(map[string]any{"max_iterations": maxIter}), 0)
		}

		iter := carry.Child()
		_ = iter.Bind(iterVar, i)
		gr := x.runGraph(ctx, body, iter, joinPath(path, iterSegment(i)), x.config.MaxConcurrency)
		if gr.status != schema.NodeSucceeded {
			return fromGraph(gr)
		}
		last = gr.output
		for name, v := range iter.Bindings() {
			if name != iterVar {
				carry.Set(name, v)
			}
		}
	}
}

// runTry runs try, then catch on failure, then finally. A failing finally
// overrides the result. Nothing runs after a suspension.
func (x *execution) runTry(ctx context.Context, node *Node, t *schema.TryCatchFinally, scope *expressions.Scope, path string) nodeResult {
	tryG, catchG, finallyG := node.Children[0], node.Children[1], node.Children[2]

	gr := x.runGraph(ctx, tryG, scope.Child(), joinPath(path, "try"), x.config.MaxConcurrency)
	if gr.status == schema.NodeSuspended {
		return fromGraph(gr)
	}
	res := fromGraph(gr)

	if gr.status == schema.NodeFailed && gr.err.Code != schema.ErrCodeCancelled && len(catchG.Nodes) > 0 {
		cs := scope.Child()
		_ = cs.Bind(orDefault(t.ErrorAs, defaultErrorVar), expressions.ErrorBinding(gr.err))
		cr := x.runGraph(ctx, catchG, cs, joinPath(path, "catch"), x.config.MaxConcurrency)
		if cr.status == schema.NodeSuspended {
			return fromGraph(cr)
		}
		res = fromGraph(cr)
	}

	if len(finallyG.Nodes) > 0 {
		fr := x.runGraph(ctx, finallyG, scope.Child(), joinPath(path, "finally"), x.config.MaxConcurrency)
		if fr.status != schema.NodeSucceeded {
			return fromGraph(fr)
		}
	}
	return res
}

// runMapReduce maps every item concurrently, then folds the map outputs in
// item order with the reduce expression.
func (x *execution) runMapReduce(ctx context.Context, node *Node, mr *schema.MapReduce, scope *expressions.Scope, path string) nodeResult {
	items, ee := x.collection(ctx, mr.Over, scope, path)
	if ee != nil {
		return failed(ee, 0)
	}

	body := node.Children[0]
	itemVar := orDefault(mr.As, defaultItemVar)
	results, ferr := x.fanOut(ctx, path, len(items), mr.MaxConcurrency, true, func(ctx context.Context, i int) graphResult {
		iter := scope.Child()
		_ = iter.Bind(itemVar, items[i])
		_ = iter.Bind(defaultIndexVar, i)
		return x.runGraph(ctx, body, iter, joinPath(path, fmt.Sprintf("map_%d", i)), x.config.MaxConcurrency)
	})
	if ferr != nil {
		return failed(ferr, 0)
	}
	for _, r := range results {
		if r.status != schema.NodeSucceeded {
			return nodeResult{status: schema.NodeSuspended}
		}
	}

	acc, err := x.resolver.Resolve(ctx, mr.Initial, scope)
	if err != nil {
		return failed(nodeError(err, path, schema.ErrCodeExpression), 0)
	}
	for i, r := range results {
		fold := scope.Child()
		_ = fold.Bind(accVar, acc)
		_ = fold.Bind(valueVar, r.output)
		_ = fold.Bind(defaultIndexVar, i)
		acc, err = x.resolver.Evaluate(ctx, mr.Reduce, fold)
		if err != nil {
			return failed(nodeError(err, path, schema.ErrCodeExpression), 0)
		}
	}
	return nodeResult{status: schema.NodeSucceeded, output: expressions.Normalize(acc)}
}

// collection evaluates a for_each or map_reduce collection. Null is an empty list.
func (x *execution) collection(ctx context.Context, expr string, scope *expressions.Scope, path string) ([]any, *schema.EngineError) {
	v, err := x.resolver.Evaluate(ctx, expr, scope)
	if err != nil {
		return nil, nodeError(err, path, schema.ErrCodeExpression)
	}
	switch items := expressions.Normalize(v).(type) {
	case nil:
		return []any{}, nil
	case []any:
		return items, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"collection %q must evaluate to a list, got %T", expr, v).
			WithNode(path).
			WithDetails(map[string]any{"expression": expr})
	}
}

// fanOut runs n instances of run with at most limit at a time. A limit of one
// runs them in order on the calling goroutine. With failFast the first failure
// cancels the others and is returned. Instances not started because the
// execution suspended have an empty status.
func (x *execution) fanOut(ctx context.Context, path string, n, limit int, failFast bool, run func(ctx context.Context, i int) graphResult) ([]graphResult, *schema.EngineError) {
	results := make([]graphResult, n)
	if n == 0 {
		return results, nil
	}

	if limit == 1 {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return results, cancelledError(path, ctx.Err())
			}
			if x.halted.Load() {
				break
			}
			results[i] = run(ctx, i)
			if results[i].status == schema.NodeFailed && failFast {
				return results, results[i].err
			}
		}
		return results, nil
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		first *schema.EngineError
	)
	fail := func(ee *schema.EngineError) {
		mu.Lock()
		defer mu.Unlock()
		if first == nil {
			first = ee
			cancel()
		}
	}

	pool := NewWorkerPool(limit)
	for i := 0; i < n; i++ {
		if x.halted.Load() || fanCtx.Err() != nil {
			break
		}
		err := pool.Submit(fanCtx, func(ctx context.Context) error {
			results[i] = run(ctx, i)
			if results[i].status == schema.NodeFailed && failFast {
				fail(results[i].err)
			}
			return nil
		}, func(perr error) {
			ee := schema.NewErrorf(schema.ErrCodeInternal, "%s instance %d panicked: %s", path, i, perr.Error()).
				WithNode(path).WithCause(perr)
			results[i] = graphResult{status: schema.NodeFailed, err: ee}
			if failFast {
				fail(ee)
			}
		})
		if err != nil {
			break
		}
	}
	pool.Wait()

	if ctx.Err() != nil {
		return results, cancelledError(path, ctx.Err())
	}
	return results, first
}

// collectFan turns fan-out results into the node result. Under the continue
// policy a failed slot holds {"error": {...}}.
func collectFan(results []graphResult, ferr *schema.EngineError, cont bool) nodeResult {
	if ferr != nil {
		return failed(ferr, 0)
	}
	out := make([]any, len(results))
	suspended := false
	for i, r := range results {
		switch r.status {
		case schema.NodeSucceeded:
			out[i] = r.output
		case schema.NodeFailed:
			if !cont {
				return failed(r.err, 0)
			}
			out[i] = map[string]any{"error": expressions.ErrorBinding(r.err)}
		default:
			suspended = true
		}
	}
	if suspended {
		return nodeResult{status: schema.NodeSuspended}
	}
	return nodeResult{status: schema.NodeSucceeded, output: out}
}

func fromGraph(gr graphResult) nodeResult {
	return nodeResult{status: gr.status, output: gr.output, err: gr.err}
}

// valuesEqual compares two values by their JSON form, so 1 and 1.0 match.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(jsonForm(a), jsonForm(b))
}

func jsonForm(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
