// Command fastport-admin is a thin CLI over the Broker's Admin API
// (CreateSession/DropSession/SuspendSession/ListSessions). It talks to
// the same storage backend the broker process uses, since the admin
// surface is specified as transport-agnostic (SPEC_FULL.md), not an
// RPC client: run it against the same DB_TYPE/MONGO_URI the broker was
// started with.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/fastport-dev/fastport-broker/internal/broker"
	"github.com/fastport-dev/fastport-broker/internal/config"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		fatal(fmt.Errorf("connecting to storage: %w", err))
	}
	b := broker.New(store, cfg.MaxPayloadSize, nil, cfg.NotifierDeadline)

	switch os.Args[1] {
	case "create-session":
		runCreateSession(ctx, b, os.Args[2:])
	case "drop-session":
		runDropSession(ctx, b, os.Args[2:])
	case "suspend-session":
		runSuspendSession(ctx, b, os.Args[2:])
	case "list-sessions":
		runListSessions(ctx, b)
	case "gen-id":
		fmt.Println(uuid.NewString())
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: fastport-admin <command> [flags]

commands:
  create-session  -name NAME -password PASSWORD
  drop-session    -name NAME -password PASSWORD -secret SECRET
  suspend-session -name NAME -password PASSWORD -secret SECRET [-resume]
  list-sessions
  gen-id          print a fresh UUID, for constructing test messageId/fileId values`)
}

func runCreateSession(ctx context.Context, b *broker.Broker, args []string) {
	fs := flag.NewFlagSet("create-session", flag.ExitOnError)
	name := fs.String("name", "", "session name")
	password := fs.String("password", "", "session password")
	fs.Parse(args)
	if *name == "" || *password == "" {
		fatal(fmt.Errorf("create-session requires -name and -password"))
	}

	created, err := b.CreateSession(ctx, *name, *password, registry.CreateOptions{})
	if err != nil {
		fatal(err)
	}
	printJSON(created)
}

func runDropSession(ctx context.Context, b *broker.Broker, args []string) {
	fs := flag.NewFlagSet("drop-session", flag.ExitOnError)
	name := fs.String("name", "", "session name")
	password := fs.String("password", "", "session password")
	secret := fs.String("secret", "", "session secretKey")
	fs.Parse(args)
	if *name == "" || *password == "" || *secret == "" {
		fatal(fmt.Errorf("drop-session requires -name, -password, and -secret"))
	}

	if err := b.DropSession(ctx, *name, *password, *secret); err != nil {
		fatal(err)
	}
	fmt.Println("dropped")
}

func runSuspendSession(ctx context.Context, b *broker.Broker, args []string) {
	fs := flag.NewFlagSet("suspend-session", flag.ExitOnError)
	name := fs.String("name", "", "session name")
	password := fs.String("password", "", "session password")
	secret := fs.String("secret", "", "session secretKey")
	resume := fs.Bool("resume", false, "resume instead of suspend")
	fs.Parse(args)
	if *name == "" || *password == "" || *secret == "" {
		fatal(fmt.Errorf("suspend-session requires -name, -password, and -secret"))
	}

	if err := b.SuspendSession(ctx, *name, *password, *secret, !*resume); err != nil {
		fatal(err)
	}
	fmt.Println("ok")
}

func runListSessions(ctx context.Context, b *broker.Broker) {
	sessions, err := b.ListSessions(ctx)
	if err != nil {
		fatal(err)
	}
	printJSON(sessions)
}

func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.DBType {
	case "mongo":
		return storage.NewMongoStore(cfg.MongoURI, cfg.MongoDatabase), nil
	case "memory", "":
		return nil, fmt.Errorf("fastport-admin requires a durable DB_TYPE (mongo); the in-memory backend does not outlive the broker process")
	default:
		return nil, fmt.Errorf("unknown DB_TYPE %q", cfg.DBType)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fastport-admin:", err)
	os.Exit(1)
}
