package receipts

import (
	"context"
	"fmt"
	"io"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/storage"
)

// TimelineForTask returns the task's receipts in ascending ts order.
func TimelineForTask(ctx context.Context, store storage.ReceiptStore, taskID string) ([]*pilot.Receipt, error) {
	return store.TimelineForTask(ctx, taskID)
}

// GroupByParent buckets timeline rows by parent receipt id. Receipts with
// no parent land under the synthetic "ROOT:<taskID>" key, so a caller can
// reconstruct the tree top-down.
func GroupByParent(taskID string, rows []*pilot.Receipt) map[string][]*pilot.Receipt {
	groups := make(map[string][]*pilot.Receipt)
	for _, r := range rows {
		key := r.ParentID
		if key == "" {
			key = "ROOT:" + taskID
		}
		groups[key] = append(groups[key], r)
	}
	return groups
}

// RenderTree prints the receipt forest for a task in causal order.
func RenderTree(w io.Writer, taskID string, rows []*pilot.Receipt) {
	groups := GroupByParent(taskID, rows)
	fmt.Fprintf(w, "task %s (%d receipts)\n", taskID, len(rows))
	renderChildren(w, groups, "ROOT:"+taskID, "")
}

func renderChildren(w io.Writer, groups map[string][]*pilot.Receipt, key, indent string) {
	for _, r := range groups[key] {
		label := r.RouteFinal
		if r.Agent != "" {
			label = r.Agent + " via " + r.RouteFinal
		}
		fmt.Fprintf(w, "%s- %s  %s  %dms  $%.4f  %s\n",
			indent, r.ID, label, r.LatencyMs, r.CostUSD, r.TS)
		renderChildren(w, groups, r.ID, indent+"  ")
	}
}
