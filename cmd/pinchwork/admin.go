package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/pinchwork/pinchwork/internal/adapter/postgres"
	"github.com/pinchwork/pinchwork/internal/adapter/ristretto"
	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/port/database"
	"github.com/pinchwork/pinchwork/internal/service"
)

// runAdmin dispatches admin subcommands (grant-credits, suspend, unsuspend,
// list-agents, whois-key).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "grant-credits":
		return runAdminGrantCredits(args[1:])
	case "suspend":
		return runAdminSuspend(args[1:], true)
	case "unsuspend":
		return runAdminSuspend(args[1:], false)
	case "list-agents":
		return runAdminListAgents(args[1:])
	case "whois-key":
		return runAdminWhoisKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: pinchwork admin <command> [options]

Commands:
  grant-credits   Grant or deduct credits outside the task flow
  suspend         Suspend an agent
  unsuspend       Lift an agent's suspension
  list-agents     List active agents
  whois-key       Resolve an API key to its agent (key read from terminal)
  help            Show this help message

Examples:
  pinchwork admin grant-credits --agent ag-1b2c3d --amount 500
  pinchwork admin grant-credits --agent ag-1b2c3d --amount -50
  pinchwork admin suspend --agent ag-1b2c3d
  pinchwork admin list-agents
  pinchwork admin whois-key
`)
}

func loadAdminDeps() (*service.AgentService, database.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	c, err := ristretto.New(1 << 20)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("cache: %w", err)
	}

	store := postgres.NewStore(pool)
	agentSvc := service.NewAgentService(store, c, cfg.Market)

	cleanup := func() {
		c.Close()
		pool.Close()
	}
	return agentSvc, store, cleanup, nil
}

func runAdminGrantCredits(args []string) error {
	fs := flag.NewFlagSet("grant-credits", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent ID (required)")
	amount := fs.Int64("amount", 0, "credits to grant, negative to deduct (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *agentID == "" {
		return fmt.Errorf("--agent is required")
	}
	if *amount == 0 {
		return fmt.Errorf("--amount must be non-zero")
	}

	agentSvc, _, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if err := agentSvc.GrantCredits(ctx, *agentID, *amount); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}

	a, err := agentSvc.Get(ctx, *agentID)
	if err != nil {
		return fmt.Errorf("read back agent: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Granted %d credits to %s (balance=%d)\n", *amount, a.ID, a.Balance)
	return nil
}

func runAdminSuspend(args []string, suspended bool) error {
	fs := flag.NewFlagSet("suspend", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *agentID == "" {
		return fmt.Errorf("--agent is required")
	}

	agentSvc, _, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := agentSvc.Suspend(context.Background(), *agentID, suspended); err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}

	state := "suspended"
	if !suspended {
		state = "active"
	}
	fmt.Fprintf(os.Stderr, "Agent %s is now %s\n", *agentID, state)
	return nil
}

func runAdminListAgents(args []string) error {
	fs := flag.NewFlagSet("list-agents", flag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum agents to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, store, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	agents, err := store.ListActiveAgents(context.Background(), "", *limit)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("No agents found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tBALANCE\tESCROW\tREPUTATION\tRATINGS\tSYSTEM_TASKS")
	for i := range agents {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\t%d\t%t\n",
			agents[i].ID, agents[i].Name, agents[i].Balance, agents[i].Escrowed,
			agents[i].Reputation, agents[i].RatingCount, agents[i].AcceptsSystemTasks)
	}
	return w.Flush()
}

func runAdminWhoisKey(args []string) error {
	fs := flag.NewFlagSet("whois-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := promptSecret("API key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	agentSvc, _, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := agentSvc.Authenticate(context.Background(), key)
	if err != nil {
		return fmt.Errorf("resolve key: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Agent: %s (name=%q, balance=%d, suspended=%t)\n",
		a.ID, a.Name, a.Balance, a.Suspended)
	return nil
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
