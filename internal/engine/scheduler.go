package engine

import (
	"context"
	"sync"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// runGraph drives every node of the execution to an outcome according to
// the workflow's mode. Nodes execute in authored order for LINEAR and
// DEBATE; DAG mode schedules by readiness so independent branches are never
// serialized against each other.
func (e *Engine) runGraph(ctx context.Context, rc *runContext) error {
	switch rc.doc.EffectiveMode() {
	case dsl.ModeDAG:
		return e.runDAG(ctx, rc)
	case dsl.ModeDebate:
		return e.runSequential(ctx, rc, true)
	default:
		return e.runSequential(ctx, rc, false)
	}
}

// runSequential executes nodes one at a time in authored order. In debate
// mode each completed node's output is appended to the debate trace as one
// participant turn.
func (e *Engine) runSequential(ctx context.Context, rc *runContext, debate bool) error {
	round := 0
	for i := range rc.doc.Nodes {
		node := &rc.doc.Nodes[i]
		if err := e.processNode(ctx, rc, node); err != nil {
			return err
		}
		if debate {
			if output, ok := rc.state.output(node.ID); ok {
				round++
				e.recordDebateTurn(ctx, rc, round, node, output)
			}
		}
	}
	return nil
}

// runDAG repeatedly collects the frontier of decidable nodes and runs it on
// a worker pool. A node is decidable once every inbound edge source has
// settled, or as soon as it carries a skip mark. An empty frontier with
// pending nodes left means the graph made no progress, which validation
// should have ruled out.
//
// The pool is scoped to this run. A subflow node holds its parent's slot
// for its whole duration, so a pool shared across nesting levels can leave
// a child's frontier waiting on slots its own ancestors occupy.
func (e *Engine) runDAG(ctx context.Context, rc *runContext) error {
	pool := NewWorkerPool(e.concurrency)
	defer pool.Shutdown()

	pending := make(map[string]bool, len(rc.doc.Nodes))
	for i := range rc.doc.Nodes {
		pending[rc.doc.Nodes[i].ID] = true
	}

	for len(pending) > 0 {
		var frontier []*dsl.Node
		for i := range rc.doc.Nodes {
			node := &rc.doc.Nodes[i]
			if !pending[node.ID] {
				continue
			}
			if _, marked := rc.state.skipReason(node.ID); marked || decidable(node, rc.idx, rc.state) {
				frontier = append(frontier, node)
			}
		}

		if len(frontier) == 0 {
			return dsl.NewErrorf(dsl.CodeInternal,
				"scheduler made no progress with %d nodes pending (dependency cycle?)", len(pending)).
				WithCategory(dsl.FailureInternal)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			abortErr error
		)
		for _, node := range frontier {
			delete(pending, node.ID)

			node := node
			wg.Add(1)
			submitErr := pool.Submit(ctx, func(ctx context.Context) error {
				defer wg.Done()
				if err := e.processNode(ctx, rc, node); err != nil {
					mu.Lock()
					if abortErr == nil {
						abortErr = err
					}
					mu.Unlock()
				}
				return nil
			})
			if submitErr != nil {
				wg.Done()
				mu.Lock()
				if abortErr == nil {
					abortErr = submitErr
				}
				mu.Unlock()
			}
		}
		wg.Wait()

		if abortErr != nil {
			return abortErr
		}
	}
	return nil
}

// DebateTurn is one participant record in a DEBATE-mode trace.
type DebateTurn struct {
	Round    int            `json:"round"`
	NodeID   string         `json:"node_id"`
	NodeType string         `json:"node_type"`
	Output   map[string]any `json:"output"`
}

// DebateTraceStore records DEBATE-mode participant turns. Writes are
// best-effort, like runtime events.
type DebateTraceStore interface {
	RecordTurn(ctx context.Context, executionID string, turn *DebateTurn) error
}

func (e *Engine) recordDebateTurn(ctx context.Context, rc *runContext, round int, node *dsl.Node, output any) {
	if e.debate == nil {
		return
	}
	outMap, _ := output.(map[string]any)
	turn := &DebateTurn{
		Round:    round,
		NodeID:   node.ID,
		NodeType: node.Type,
		Output:   outMap,
	}
	if err := e.debate.RecordTurn(ctx, rc.execution.ID, turn); err != nil {
		e.logger.WarnContext(ctx, "debate trace write failed", "node_id", node.ID, "error", err)
		return
	}
	e.events.Record(ctx, rc.execution.ID, "", dsl.EventDebateTraceWrite, dsl.LevelInfo,
		"debate turn recorded", map[string]any{"round": round, "node_id": node.ID})
}
