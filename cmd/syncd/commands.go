package main

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	documentFilter string
	statusFilter   string
	tokenTTL       time.Duration
	clearFailed    bool

	rootCmd = &cobra.Command{
		Use:   "syncd",
		Short: "Local sync agent for collaborative canvases",
		Long: `syncd keeps canvas edits in a durable local outbox, applies them
optimistically and flushes them to the document service when it is reachable.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: local API, flush loops and realtime channel",
		RunE:  runServe,
	}

	outboxCmd = &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the local outbox. Stop the agent first when using badger",
	}
	outboxListCmd = &cobra.Command{
		Use:   "list",
		Short: "Print outbox records as YAML",
		RunE:  runOutboxList,
	}
	outboxCountCmd = &cobra.Command{
		Use:   "count",
		Short: "Print unsent and failed counts per document",
		RunE:  runOutboxCount,
	}
	outboxClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Drop unsent (or, with --failed, failed) records of a document",
		RunE:  runOutboxClear,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the local API",
		RunE:  runToken,
	}
)

func init() {
	outboxCmd.PersistentFlags().StringVarP(&documentFilter, "document", "d", "", "only this document")
	outboxListCmd.Flags().StringVar(&statusFilter, "status", "", "only records with this status (pending, acking, failed)")
	outboxClearCmd.Flags().BoolVar(&clearFailed, "failed", false, "clear failed records instead of unsent ones")
	outboxClearCmd.MarkFlagRequired("document")

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default JWT_EXPIRATION)")

	outboxCmd.AddCommand(outboxListCmd, outboxCountCmd, outboxClearCmd)
	rootCmd.AddCommand(serveCmd, outboxCmd, tokenCmd)
}
