package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	pilot "github.com/routepilot/routepilot/internal"
)

// aggregatorAgent is the reducer hop in parallel chains. Its output is
// computed locally; no model is consulted on record identity.
const aggregatorAgent = "Aggregator"

// Result is the outcome of a full chain run.
type Result struct {
	TaskID     string
	Output     map[string]any
	ReceiptIDs []string
}

// envelope builds a hop envelope within one task.
func envelope(taskID, parentID, agent string, budget pilot.Budget, input map[string]any) *pilot.TaskEnvelope {
	return &pilot.TaskEnvelope{
		EnvelopeVersion: pilot.EnvelopeVersion,
		TaskID:          taskID,
		ParentID:        parentID,
		Agent:           agent,
		Budget:          budget,
		Input:           input,
	}
}

// RunHelpdesk executes the sequential helpdesk chain:
//
//	Triage, then Retriever when triage asks for fields, then Writer.
//
// The Writer's parent is the hop that fed it. An over-budget triage skips
// retrieval and hands the Writer an empty record set.
func (c *Controller) RunHelpdesk(ctx context.Context, taskID, question string, budget pilot.Budget) (*Result, error) {
	res := &Result{TaskID: taskID}

	triage, err := c.RunHop(ctx, envelope(taskID, "", "Triage", budget, map[string]any{
		"question": question,
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("triage hop: %w", err)
	}
	res.ReceiptIDs = appendID(res.ReceiptIDs, triage.ReceiptID)

	records := map[string]any{"records": []any{}}
	writerParent := triage.ReceiptID

	fields := stringSlice(triage.Output["fields"])
	if len(fields) > 0 && !triage.OverBudget {
		retr, err := c.RunHop(ctx, envelope(taskID, triage.ReceiptID, "Retriever", budget, map[string]any{
			"question": question,
			"ids":      fields,
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("retriever hop: %w", err)
		}
		res.ReceiptIDs = appendID(res.ReceiptIDs, retr.ReceiptID)
		records = retr.Output
		writerParent = retr.ReceiptID
	}

	writer, err := c.RunHop(ctx, envelope(taskID, writerParent, "Writer", budget, map[string]any{
		"question": question,
		"records":  records,
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("writer hop: %w", err)
	}
	res.ReceiptIDs = appendID(res.ReceiptIDs, writer.ReceiptID)
	res.Output = writer.Output
	return res, nil
}

// RunHelpdeskPar executes the parallel helpdesk chain: Triage, a fan-out
// over the fast and accurate retrievers, the deterministic Aggregator, and
// the Writer. All post-triage hops share the triage receipt as parent.
// With earlyStop, the first retriever to finish cancels its sibling; the
// cancelled branch writes no receipt and the aggregator records its name.
func (c *Controller) RunHelpdeskPar(ctx context.Context, taskID, question string, budget pilot.Budget, earlyStop bool) (*Result, error) {
	res := &Result{TaskID: taskID}

	triage, err := c.RunHop(ctx, envelope(taskID, "", "Triage", budget, map[string]any{
		"question": question,
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("triage hop: %w", err)
	}
	res.ReceiptIDs = appendID(res.ReceiptIDs, triage.ReceiptID)

	agents := []string{"RetrieverFast", "RetrieverAccurate"}
	input := map[string]any{"question": question, "ids": stringSlice(triage.Output["fields"])}

	var branches []map[string]any
	var branchIDs []string
	var cancelled []string
	if earlyStop {
		branches, branchIDs, cancelled, err = c.fanOutEarlyStop(ctx, taskID, triage.ReceiptID, agents, budget, input)
	} else {
		branches, branchIDs, err = c.fanOutJoinAll(ctx, taskID, triage.ReceiptID, agents, budget, input)
	}
	if err != nil {
		return nil, fmt.Errorf("fan-out: %w", err)
	}
	for _, id := range branchIDs {
		res.ReceiptIDs = appendID(res.ReceiptIDs, id)
	}

	agg, err := c.runAggregator(ctx, envelope(taskID, triage.ReceiptID, aggregatorAgent, budget, nil), branches, cancelled)
	if err != nil {
		return nil, fmt.Errorf("aggregator hop: %w", err)
	}
	res.ReceiptIDs = appendID(res.ReceiptIDs, agg.ReceiptID)

	writer, err := c.RunHop(ctx, envelope(taskID, triage.ReceiptID, "Writer", budget, map[string]any{
		"question": question,
		"records":  agg.Output,
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("writer hop: %w", err)
	}
	res.ReceiptIDs = appendID(res.ReceiptIDs, writer.ReceiptID)
	res.Output = writer.Output
	return res, nil
}

// fanOutJoinAll awaits every branch and fails if any branch fails.
func (c *Controller) fanOutJoinAll(ctx context.Context, taskID, parentID string, agents []string, budget pilot.Budget, input map[string]any) ([]map[string]any, []string, error) {
	outputs := make([]map[string]any, len(agents))
	ids := make([]string, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		g.Go(func() error {
			hop, err := c.RunHop(gctx, envelope(taskID, parentID, agent, budget, input), nil)
			if err != nil {
				return fmt.Errorf("%s: %w", agent, err)
			}
			outputs[i] = hop.Output
			ids[i] = hop.ReceiptID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return outputs, ids, nil
}

// fanOutEarlyStop races the branches. The first success cancels the rest;
// losers surface no receipt and are reported by name. A sibling that
// completes before the cancel lands keeps its receipt, but only the
// winner's output feeds the aggregator. All branches fail only when none
// succeeds.
func (c *Controller) fanOutEarlyStop(ctx context.Context, taskID, parentID string, agents []string, budget pilot.Budget, input map[string]any) (branches []map[string]any, ids, cancelled []string, err error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchResult struct {
		agent string
		hop   *HopResult
		err   error
	}

	results := make(chan branchResult, len(agents))
	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hop, hopErr := c.RunHop(raceCtx, envelope(taskID, parentID, agent, budget, input), nil)
			results <- branchResult{agent: agent, hop: hop, err: hopErr}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *branchResult
	var lastErr error
	for r := range results {
		if r.err != nil {
			if winner == nil {
				lastErr = r.err
			}
			if winner != nil {
				cancelled = append(cancelled, r.agent)
			}
			continue
		}
		if winner == nil {
			w := r
			winner = &w
			cancel()
			continue
		}
		// A sibling finished before the cancel landed; its receipt stands
		// but its output is dropped in favor of the winner's.
		ids = append(ids, r.hop.ReceiptID)
	}
	if winner == nil {
		return nil, nil, nil, lastErr
	}
	branches = []map[string]any{winner.hop.Output}
	ids = append([]string{winner.hop.ReceiptID}, ids...)
	return branches, ids, cancelled, nil
}

// runAggregator performs the deterministic reduce locally and writes the
// aggregator's lineage receipt. No model call is involved, so the receipt
// carries zero latency and cost.
func (c *Controller) runAggregator(ctx context.Context, env *pilot.TaskEnvelope, branches []map[string]any, cancelled []string) (*HopResult, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	output := reduceRecords(branches)
	c.metrics.ChainHops.WithLabelValues(env.Agent).Inc()

	if c.flags.DryRun {
		return &HopResult{Output: output}, nil
	}

	spec, err := c.agents.Get(env.Agent)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown agent %q", pilot.ErrBadEnvelope, env.Agent)
	}
	policyName := env.Policy
	if policyName == "" {
		policyName = spec.Policy
	}
	p, err := c.policies.Load(policyName)
	if err != nil {
		return nil, err
	}

	inputJSON, err := json.Marshal(branches)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregator input: %w", err)
	}

	var meta map[string]any
	if len(cancelled) > 0 {
		meta = map[string]any{"cancelled_agents": cancelled}
	}
	r := &pilot.Receipt{
		Policy:       p.Name,
		RoutePrimary: "local",
		RouteFinal:   "local",
		TaskID:       env.TaskID,
		ParentID:     env.ParentID,
		PromptHash:   pilot.HashHex(inputJSON),
		PolicyHash:   p.Hash(),
		Agent:        env.Agent,
		Meta:         meta,
	}
	id, err := c.recorder.Write(ctx, r)
	if err != nil {
		return nil, err
	}
	c.metrics.ReceiptsWritten.Inc()
	return &HopResult{Output: output, ReceiptID: id}, nil
}

// appendID drops the empty ids produced by dry-run hops.
func appendID(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	return append(ids, id)
}
