package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/chain"
	"github.com/routepilot/routepilot/internal/config"
	"github.com/routepilot/routepilot/internal/driver"
	"github.com/routepilot/routepilot/internal/httpfetch"
	"github.com/routepilot/routepilot/internal/provider"
	"github.com/routepilot/routepilot/internal/provider/openai"
	"github.com/routepilot/routepilot/internal/quota"
	"github.com/routepilot/routepilot/internal/rates"
	"github.com/routepilot/routepilot/internal/receipts"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
	"github.com/routepilot/routepilot/internal/telemetry"
)

// cmdFlags collects every subcommand's parsed flags; each command registers
// only the subset it uses.
type cmdFlags struct {
	policiesPath *string
	agentsPath   *string

	policy    *string
	user      *string
	in        *string
	attach    *string
	shadow    *string
	session   *string
	agent     *string
	chainName *string
	task      *string
	question  *string
	receiptID *string

	budgetTokens *int
	budgetCost   *float64
	budgetMs     *int64
	earlyStop    *bool
}

func registerFlags(fs *flag.FlagSet, cmd string) *cmdFlags {
	cf := &cmdFlags{
		policiesPath: fs.String("policies", "policies.yaml", "path to policy YAML"),
		agentsPath:   fs.String("agents", "", "path to agents YAML overlaying the builtins"),
	}
	switch cmd {
	case "infer":
		cf.policy = fs.String("policy", "default", "policy name")
		cf.user = fs.String("user", "local", "user reference for quotas")
		cf.in = fs.String("in", "", "prompt text; reads stdin when empty")
		cf.attach = fs.String("attach", "", "path to an attachment text file")
		cf.shadow = fs.String("shadow", "", "shadow model to run silently after success")
	case "chat":
		cf.session = fs.String("session", "", "existing session id; empty starts a new session")
		cf.agent = fs.String("agent", "Writer", "agent name for new sessions")
		cf.policy = fs.String("policy", "default", "policy name for new sessions")
		cf.user = fs.String("user", "local", "user reference for quotas")
		cf.in = fs.String("in", "", "turn input; reads stdin when empty")
		cf.attach = fs.String("attach", "", "path to an attachment text file")
	case "chain":
		cf.chainName = fs.String("name", "helpdesk", "chain name: helpdesk or helpdesk-par")
		cf.task = fs.String("task", "", "task id; empty generates one")
		cf.question = fs.String("q", "", "question for the chain")
		cf.budgetTokens = fs.Int("budget-tokens", 0, "per-hop token budget (0 = policy ceiling)")
		cf.budgetCost = fs.Float64("budget-cost", 0, "per-hop cost budget in USD (0 = unbounded)")
		cf.budgetMs = fs.Int64("budget-ms", 0, "per-hop time budget in ms (0 = policy stall cutoff)")
		cf.earlyStop = fs.Bool("early-stop", false, "first fan-out branch to finish cancels the rest")
	case "timeline":
		cf.task = fs.String("task", "", "task id to render")
	case "usage":
		cf.user = fs.String("user", "local", "user reference")
		cf.policy = fs.String("policy", "default", "policy supplying the quota timezone")
	case "verify":
		cf.receiptID = fs.String("id", "", "receipt id to verify")
	}
	return cf
}

// app holds the wired components shared by every subcommand.
type app struct {
	env      *config.Env
	store    *sqlite.Store
	policies *config.Loader
	agents   *config.Registry
	recorder *receipts.Recorder
	driver   *driver.Driver
	chains   *chain.Controller
	metrics  *telemetry.Metrics

	shutdowns []func(context.Context) error
}

func run(cmd string, args []string) error {
	env, err := config.FromEnv()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cf := registerFlags(fs, cmd)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(env, cf)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	switch cmd {
	case "infer":
		return a.cmdInfer(ctx, cf)
	case "chat":
		return a.cmdChat(ctx, cf)
	case "chain":
		return a.cmdChain(ctx, cf)
	case "timeline":
		return a.cmdTimeline(ctx, cf)
	case "usage":
		return a.cmdUsage(ctx, cf)
	case "verify":
		return a.cmdVerify(ctx, cf)
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newApp(env *config.Env, cf *cmdFlags) (*app, error) {
	store, err := sqlite.New(env.DBPath)
	if err != nil {
		return nil, err
	}

	agents, err := config.LoadAgents(*cf.agentsPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	a := &app{
		env:      env,
		store:    store,
		policies: config.NewLoader(*cf.policiesPath),
		agents:   agents,
		metrics:  metrics,
	}

	if env.MetricsAddr != "" {
		a.shutdowns = append(a.shutdowns, telemetry.ServeMetrics(env.MetricsAddr, reg, store.Ping))
	}
	if env.OTLPEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(context.Background(), env.OTLPEndpoint, 1.0)
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			a.shutdowns = append(a.shutdowns, shutdown)
		}
	}

	mirrorDir := ""
	if env.Flags.MirrorJSON {
		mirrorDir = env.MirrorDir
	}
	a.recorder = receipts.New(store, receipts.Options{
		Secret:       env.Secret,
		Redact:       env.Flags.Redact,
		RedactFields: env.Flags.RedactFields,
		MirrorDir:    mirrorDir,
	})

	client := openai.New(env.GatewayBaseURL, provider.NewGatewayClient(env.GatewayAPIKey))
	sup := router.New(client, store, metrics)
	rateTable := rates.NewTable(nil)
	enforcer := quota.New(store)

	a.driver = driver.New(driver.Deps{
		Policies: a.policies,
		Agents:   agents,
		Store:    store,
		Quota:    enforcer,
		Recorder: a.recorder,
		Rates:    rateTable,
		Router:   sup,
		Prober:   client,
		Metrics:  metrics,
		Flags:    env.Flags,
	})

	a.chains = chain.New(chain.Deps{
		Policies: a.policies,
		Agents:   agents,
		Store:    store,
		Recorder: a.recorder,
		Rates:    rateTable,
		Router:   sup,
		Fetcher: httpfetch.New(httpfetch.Options{
			Allowlist:   env.HTTPFetch.Allowlist,
			URLTemplate: env.HTTPFetch.URLTemplate,
			MaxFetches:  env.HTTPFetch.MaxFetches,
		}),
		Metrics: metrics,
		Flags:   env.Flags,
	})

	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, shutdown := range a.shutdowns {
		if err := shutdown(ctx); err != nil {
			slog.Warn("shutdown failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("close store failed", "error", err)
	}
}

func (a *app) cmdInfer(ctx context.Context, cf *cmdFlags) error {
	input, err := readInput(*cf.in)
	if err != nil {
		return err
	}
	attachment, err := readAttachment(*cf.attach)
	if err != nil {
		return err
	}

	res, err := a.driver.Infer(ctx, driver.InferRequest{
		User:       *cf.user,
		PolicyName: *cf.policy,
		Input:      input,
		Attachment: attachment,
		Shadow:     *cf.shadow,
		Sink:       os.Stdout,
	})
	if res != nil {
		fmt.Fprintln(os.Stdout)
		fmt.Fprintf(os.Stderr, "receipt %s  route %s  fallbacks %d  $%.4f\n",
			res.ReceiptID, res.Route.RouteFinal, res.Route.FallbackCount, res.CostUSD)
	}
	return err
}

func (a *app) cmdChat(ctx context.Context, cf *cmdFlags) error {
	sessionID := *cf.session
	if sessionID == "" {
		sess, err := a.driver.StartSession(ctx, *cf.user, *cf.agent, *cf.policy)
		if err != nil {
			return err
		}
		sessionID = sess.ID
		fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
		if *cf.in == "" {
			return nil
		}
	}

	input, err := readInput(*cf.in)
	if err != nil {
		return err
	}
	attachment, err := readAttachment(*cf.attach)
	if err != nil {
		return err
	}

	res, err := a.driver.Turn(ctx, driver.TurnRequest{
		SessionID:  sessionID,
		Input:      input,
		Attachment: attachment,
		Sink:       os.Stdout,
	})
	if res != nil {
		fmt.Fprintln(os.Stdout)
		fmt.Fprintf(os.Stderr, "receipt %s  route %s  $%.4f\n", res.ReceiptID, res.Route.RouteFinal, res.CostUSD)
	}
	return err
}

func (a *app) cmdChain(ctx context.Context, cf *cmdFlags) error {
	if *cf.question == "" {
		return fmt.Errorf("chain: -q is required")
	}
	taskID := *cf.task
	if taskID == "" {
		taskID = uuid.Must(uuid.NewV7()).String()
	}
	budget := pilot.Budget{
		Tokens:  *cf.budgetTokens,
		CostUSD: *cf.budgetCost,
		TimeMs:  *cf.budgetMs,
	}
	earlyStop := *cf.earlyStop || a.env.Flags.EarlyStop

	var res *chain.Result
	var err error
	switch *cf.chainName {
	case "helpdesk":
		res, err = a.chains.RunHelpdesk(ctx, taskID, *cf.question, budget)
	case "helpdesk-par":
		res, err = a.chains.RunHelpdeskPar(ctx, taskID, *cf.question, budget, earlyStop)
	default:
		return fmt.Errorf("unknown chain %q", *cf.chainName)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res.Output, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "task %s  receipts %d\n", res.TaskID, len(res.ReceiptIDs))
	return nil
}

func (a *app) cmdTimeline(ctx context.Context, cf *cmdFlags) error {
	if *cf.task == "" {
		return fmt.Errorf("timeline: -task is required")
	}
	rows, err := receipts.TimelineForTask(ctx, a.store, *cf.task)
	if err != nil {
		return err
	}
	receipts.RenderTree(os.Stdout, *cf.task, rows)
	return nil
}

func (a *app) cmdUsage(ctx context.Context, cf *cmdFlags) error {
	p, err := a.policies.Load(*cf.policy)
	if err != nil {
		return err
	}
	summary, err := quota.New(a.store).UsageSummary(ctx, *cf.user, p.Location())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (a *app) cmdVerify(ctx context.Context, cf *cmdFlags) error {
	if *cf.receiptID == "" {
		return fmt.Errorf("verify: -id is required")
	}
	r, payload, err := a.store.GetReceipt(ctx, *cf.receiptID)
	if err != nil {
		return err
	}
	if !receipts.Verify(a.env.Secret, []byte(payload), r.Signature) {
		return fmt.Errorf("receipt %s: signature mismatch", r.ID)
	}
	fmt.Printf("receipt %s: signature ok\n", r.ID)
	return nil
}

// readInput returns the literal flag value, or all of stdin when empty.
func readInput(in string) (string, error) {
	if in != "" {
		return in, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty input: pass -in or pipe stdin")
	}
	return string(data), nil
}

// readAttachment loads the attachment file verbatim.
func readAttachment(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	return string(data), nil
}
