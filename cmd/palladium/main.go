// ABOUTME: Interactive chat client with local conversation history
// ABOUTME: Streams assistant replies into the terminal as they arrive

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"

	"github.com/2389/palladium/internal/client"
	"github.com/2389/palladium/internal/config"
	"github.com/2389/palladium/internal/conversation"
	"github.com/2389/palladium/internal/logging"
	"github.com/2389/palladium/internal/store"
)

func main() {
	configPath := flag.String("config", config.Path(), "Config file path")
	server := flag.String("server", "", "Assistant service URL (overrides config)")
	convID := flag.String("conversation", "", "Conversation to open (default: most recent)")
	flag.Parse()

	if err := run(*configPath, *server, *convID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func run(configPath, server, convID string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if server != "" {
		cfg.Server.URL = server
	}

	// Logs go to stderr so they don't interleave with replies.
	logger := logging.New(cfg.Logging, os.Stderr)

	kv, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer kv.Close()

	convs := store.NewConversations(kv, nil, logger)
	cl := client.New(cfg.Server.URL,
		client.WithRequestTimeout(cfg.Server.RequestTimeout),
		client.WithLogger(logger))
	svc := conversation.New(convs, cl, conversation.Config{
		IdleTimeout:   cfg.Stream.IdleTimeout,
		FallbackText:  cfg.Stream.FallbackText,
		MaxRecordSize: cfg.Stream.MaxRecordSize,
		DedupeTTL:     cfg.Sends.DedupeTTL,
		DedupeSize:    cfg.Sends.DedupeSize,
	}, logger, conversation.WithBroadcaster(convs.Broadcaster()))
	defer svc.Close()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	ctx := context.Background()
	s := newSession(convs, svc, os.Stdout, interrupts)
	if err := s.open(ctx, convID); err != nil {
		return err
	}

	color.New(color.FgCyan).Printf("palladium connected to %s\n", cl.BaseURL())
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C cancels a reply.")
	fmt.Println()

	return s.loop(ctx, os.Stdin)
}
