// RoutePilot is a policy-driven CLI orchestrator for LLM access through an
// OpenAI-compatible gateway: supervised streaming failover, signed receipts,
// per-user quotas, and typed sub-agent chains.
package main

import (
	"errors"
	"fmt"
	"os"

	pilot "github.com/routepilot/routepilot/internal"
)

var version = "dev"

const usageText = `usage: routepilot <command> [flags]

commands:
  infer     run one supervised inference
  chat      start or continue a chat session
  chain     run a sub-agent chain
  timeline  render the receipt tree for a task
  usage     show per-user token consumption
  verify    check a receipt signature
  version   print version and exit
`

// Exit codes follow sysexits conventions: config 78, bad policy 65,
// quota 75, gateway or route exhaustion 69, anything else 1.
const (
	exitConfig  = 78
	exitPolicy  = 65
	exitQuota   = 75
	exitGateway = 69
	exitUnknown = 1
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(exitUnknown)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if cmd == "version" {
		fmt.Println("routepilot", version)
		return
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var (
		ce *pilot.ConfigError
		pe *pilot.PolicyError
		qe *pilot.QuotaError
		ge *pilot.GatewayError
		re *pilot.RouterError
	)
	switch {
	case errors.As(err, &ce):
		return exitConfig
	case errors.As(err, &pe):
		return exitPolicy
	case errors.As(err, &qe):
		return exitQuota
	case errors.As(err, &ge), errors.As(err, &re):
		return exitGateway
	}
	return exitUnknown
}
