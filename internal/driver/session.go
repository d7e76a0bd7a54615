package driver

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/provider/sseutil"
)

// historyWindow is how many prior messages each turn replays.
const historyWindow = 50

// StartSession creates a new chat session bound to an agent and a policy.
// Both are resolved up front so a bad name fails before anything persists.
func (d *Driver) StartSession(ctx context.Context, user, agentName, policyName string) (*pilot.Session, error) {
	if _, err := d.agents.Get(agentName); err != nil {
		return nil, &pilot.ConfigError{Name: "agent", Reason: "no such agent " + agentName}
	}
	if _, err := d.policies.Load(policyName); err != nil {
		return nil, err
	}
	s := &pilot.Session{
		ID:         uuid.Must(uuid.NewV7()).String(),
		CreatedAt:  time.Now().UTC(),
		UserRef:    user,
		AgentName:  agentName,
		PolicyName: policyName,
	}
	if err := d.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// TurnRequest is one turn of a chat session.
type TurnRequest struct {
	SessionID  string
	Input      string
	Attachment string
	Sink       io.Writer
}

// TurnResult reports a completed turn.
type TurnResult struct {
	ReceiptID string
	Route     *pilot.RouteResult
	Reply     string
	CostUSD   float64
}

// Turn runs one chat turn: RPM gate, replay recent history, route the call
// with a capture sink, persist both sides of the exchange, then account.
// Turn receipts share the session id as task_id and chain parent_id to the
// previous turn, so a session renders as one timeline.
func (d *Driver) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	sess, err := d.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	agent, err := d.agents.Get(sess.AgentName)
	if err != nil {
		return nil, err
	}
	p, err := d.policies.Load(sess.PolicyName)
	if err != nil {
		return nil, err
	}

	if err := d.quota.AssertWithinRPM(ctx, sess.UserRef, p.Tenancy.PerUserRPM); err != nil {
		d.countQuotaReject(err)
		return nil, err
	}

	history, err := d.store.RecentMessages(ctx, sess.ID, historyWindow)
	if err != nil {
		return nil, err
	}

	userContent := buildUserContent(req.Input, req.Attachment)
	var messages []pilot.Message
	if agent.System != "" {
		messages = append(messages, pilot.Message{Role: "system", Content: agent.System})
	}
	for _, m := range history {
		messages = append(messages, pilot.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, pilot.Message{Role: "user", Content: userContent})

	if err := d.store.InsertMessage(ctx, &pilot.SessionMessage{
		SessionID: sess.ID,
		Role:      "user",
		Content:   userContent,
		TS:        time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	capture := &sseutil.CaptureWriter{Forward: req.Sink}
	res, err := d.router.Run(ctx, routerOptions(p, messages, capture, d.flags))
	if err != nil {
		return nil, err
	}
	reply := capture.String()

	if err := d.store.InsertMessage(ctx, &pilot.SessionMessage{
		SessionID: sess.ID,
		Role:      "assistant",
		Content:   reply,
		TS:        time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	prompt, completion := d.reconcileUsage(ctx, res.RouteFinal, messages, res)
	cost := d.rates.EstimateCost(res.RouteFinal, prompt, completion)

	parentID, err := d.store.LastReceiptID(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	r := &pilot.Receipt{
		Policy:           p.Name,
		RoutePrimary:     p.Routing.Primary[0],
		RouteFinal:       res.RouteFinal,
		FallbackCount:    res.FallbackCount,
		Reasons:          res.Reasons,
		LatencyMs:        res.LatencyMs,
		FirstTokenMs:     res.FirstTokenMs,
		TaskID:           sess.ID,
		ParentID:         parentID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          cost,
		PromptHash:       pilot.HashHex([]byte(userContent)),
		PolicyHash:       p.Hash(),
		Agent:            sess.AgentName,
	}
	id, err := d.recorder.Write(ctx, r)
	if err != nil {
		return nil, err
	}
	d.metrics.ReceiptsWritten.Inc()

	out := &TurnResult{ReceiptID: id, Route: res, Reply: reply, CostUSD: cost}

	if err := d.quota.AddDailyTokens(ctx, sess.UserRef, int64(prompt+completion), p.Tenancy.PerUserDailyTokens, p.Location()); err != nil {
		d.countQuotaReject(err)
		return out, err
	}

	if err := d.store.InsertTrace(ctx, &pilot.Trace{
		TS:           pilot.NowTS(time.Now()),
		UserRef:      sess.UserRef,
		Policy:       p.Name,
		RoutePrimary: p.Routing.Primary[0],
		RouteFinal:   res.RouteFinal,
		LatencyMs:    res.LatencyMs,
		Tokens:       prompt + completion,
		CostUSD:      cost,
	}); err != nil {
		return out, err
	}
	return out, nil
}
