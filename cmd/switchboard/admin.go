package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/switchboard/internal/adapter/discovery"
	"github.com/Strob0t/switchboard/internal/adapter/postgres"
	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/service"
)

// runAdmin dispatches admin subcommands (migrate, replay, discover, push-token).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "replay":
		return runAdminReplay(args[1:])
	case "discover":
		return runAdminDiscover(args[1:])
	case "push-token":
		return runAdminPushToken(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: switchboard admin <command> [options]

Commands:
  migrate      Apply, roll back or inspect event store migrations
  replay       Print stored task transitions
  discover     Fetch and validate an agent card without registering it
  push-token   Derive the push callback token of a task
  help         Show this help message

Examples:
  switchboard admin migrate
  switchboard admin migrate --down 1
  switchboard admin migrate --status
  switchboard admin replay --task 6f1c...
  switchboard admin replay --agent 2b9e... --limit 50
  switchboard admin discover --url http://localhost:9000
  switchboard admin push-token --task 6f1c...
`)
}

func loadAdminConfig(needDB bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if needDB && cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is not configured (set DATABASE_URL)")
	}
	return cfg, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations")
	status := fs.Bool("status", false, "print the current migration version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAdminConfig(true)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch {
	case *status:
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *down); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *down)
	default:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("Migration version: %d\n", v)
	return nil
}

func runAdminReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	taskID := fs.String("task", "", "task id")
	sessionID := fs.String("session", "", "session id")
	agentID := fs.String("agent", "", "agent id")
	limit := fs.Int("limit", 100, "maximum transitions for --agent")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAdminConfig(true)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	store := postgres.NewEventStore(pool)

	var events []event.Transition
	switch {
	case *taskID != "":
		events, err = store.LoadByTask(ctx, *taskID)
	case *sessionID != "":
		events, err = store.LoadBySession(ctx, *sessionID)
	case *agentID != "":
		events, err = store.LoadByAgent(ctx, *agentID, *limit)
	default:
		return fmt.Errorf("one of --task, --session or --agent is required")
	}
	if err != nil {
		return fmt.Errorf("load transitions: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No transitions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tSEQ\tFROM\tTO\tSOURCE\tAT\tFAILURE")
	for i := range events {
		rec := events[i].Record
		failure := ""
		if rec.Failure != nil {
			failure = string(rec.Failure.Kind) + ": " + rec.Failure.Message
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			events[i].TaskID, rec.Seq, rec.From, rec.To, rec.Source, rec.At.Format(time.RFC3339), failure)
	}
	return w.Flush()
}

func runAdminDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	rawURL := fs.String("url", "", "agent base url (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rawURL == "" {
		return fmt.Errorf("--url is required")
	}

	cfg, err := loadAdminConfig(false)
	if err != nil {
		return err
	}
	base, cardURL, err := agentcard.Normalize(*rawURL, cfg.Discovery.WellKnownPath)
	if err != nil {
		return err
	}

	fetcher, err := discovery.NewFetcher(cfg.Discovery, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.FetchTimeout)
	defer cancel()
	card, err := fetcher.Fetch(ctx, cardURL)
	if err != nil {
		return err
	}

	fmt.Printf("Agent:      %s (%s)\n", card.Name, card.Version)
	fmt.Printf("ID:         %s\n", agentcard.IDFor(base))
	fmt.Printf("Endpoint:   %s\n", card.URL)
	fmt.Printf("Protocol:   %s\n", card.ProtocolVersion)
	fmt.Printf("Streaming:  %t\n", card.Capabilities.Streaming)
	fmt.Printf("Push:       %t\n", card.Capabilities.PushNotifications)
	fmt.Printf("Input:      %s\n", strings.Join(card.DefaultInputModes, ", "))
	fmt.Printf("Output:     %s\n", strings.Join(card.DefaultOutputModes, ", "))

	if len(card.Skills) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SKILL\tNAME\tTAGS")
	for i := range card.Skills {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", card.Skills[i].ID, card.Skills[i].Name, strings.Join(card.Skills[i].Tags, ","))
	}
	return w.Flush()
}

func runAdminPushToken(args []string) error {
	fs := flag.NewFlagSet("push-token", flag.ContinueOnError)
	taskID := fs.String("task", "", "task id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" {
		return fmt.Errorf("--task is required")
	}

	cfg, err := loadAdminConfig(false)
	if err != nil {
		return err
	}
	secret := cfg.Push.Secret
	if secret == "" {
		secret, err = promptSecret("Push secret: ")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		if secret == "" {
			return fmt.Errorf("push secret is required")
		}
	}

	fmt.Println(service.NewPushTokens(secret).Issue(*taskID))
	return nil
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after secret input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
