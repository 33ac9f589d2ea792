package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/server"
	"github.com/retail-a2a/host/pkg/a2a"
)

var (
	queryContextID string
	queryTimeout   time.Duration
	queryStream    bool
	queryJSON      bool
	agentsOutput   string
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Ask the host one question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTTL)
		defer cancel()

		q := server.QueryRequest{
			Query:     strings.Join(args, " "),
			ContextID: queryContextID,
			TimeoutMS: queryTimeout.Milliseconds(),
		}
		out := cmd.OutOrStdout()
		client := newHostClient(hostURL)

		var resp *a2a.AggregatedResponse
		var err error
		if queryStream {
			resp, err = client.Stream(ctx, q, func(u orchestrator.Update) { printUpdate(out, u) })
		} else {
			resp, err = client.Query(ctx, q)
		}
		if err != nil {
			return err
		}

		if queryJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		printResponse(out, resp)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the host interactively",
	Long: `Talk to the host interactively. Every line is one query in the same
conversation. When a specialist asks a question, the next line answers it.

Commands: /status, /agents, /quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), newHostClient(hostURL), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered specialists",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTTL)
		defer cancel()

		agents, err := newHostClient(hostURL).Agents(ctx)
		if err != nil {
			return err
		}
		return renderAgents(cmd.OutOrStdout(), agents, agentsOutput)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check which specialists are online",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTTL)
		defer cancel()

		status, err := newHostClient(hostURL).Status(ctx)
		if err != nil {
			return err
		}
		renderStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryContextID, "context", "", "Conversation id to continue")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 0, "Query deadline enforced by the host (default from host config)")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "Show progress while specialists work")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print the raw response")

	agentsCmd.Flags().StringVarP(&agentsOutput, "output", "o", "table", "Output format: table, json or yaml")
}

// runChat reads one query per line. The conversation keeps one context id and
// answers a pending clarification with the next line.
func runChat(ctx context.Context, client *hostClient, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	contextID := uuid.New().String()
	var pending *a2a.Continuation

	fmt.Fprintln(out, "Retail assistant. Ask about products, stock or orders. /quit to exit.")
	prompt := color.New(color.FgCyan, color.Bold)
	scanner := bufio.NewScanner(in)
	for {
		prompt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/status":
			status, err := client.Status(ctx)
			if err != nil {
				printStatus(out, "✗", err.Error(), color.FgRed)
				continue
			}
			renderStatus(out, status)
			continue
		case "/agents":
			agents, err := client.Agents(ctx)
			if err != nil {
				printStatus(out, "✗", err.Error(), color.FgRed)
				continue
			}
			renderAgents(out, agents, "table")
			continue
		}

		resp, err := client.Query(ctx, server.QueryRequest{
			Query:        line,
			ContextID:    contextID,
			Continuation: pending,
		})
		if err != nil {
			printStatus(out, "✗", err.Error(), color.FgRed)
			continue
		}
		printResponse(out, resp)
		pending = continuationOf(resp)
	}
}
