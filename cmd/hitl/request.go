package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yencolon/human-in-the-loop-chat/internal/escalation"
)

var (
	requestCustomer string
	requestIssue    string
	requestSolution string
	requestServe    bool
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Send one approval request and wait for the decision",
	Long: `Posts an approval request to the configured Slack reviewer and blocks
until it is approved, denied or expires. The decision is printed as JSON.

Without --serve, the decision must reach this process through a shared
database: run "hitl serve" against the same storage to receive callbacks.`,
	RunE: runRequest,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Wait for the decision of an earlier run",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	requestCmd.Flags().StringVar(&requestCustomer, "customer", "", "customer name")
	requestCmd.Flags().StringVar(&requestIssue, "issue", "", "issue to decide on")
	requestCmd.Flags().StringVar(&requestSolution, "solution", "", "proposed solution")
	for _, name := range []string{"customer", "issue", "solution"} {
		_ = requestCmd.MarkFlagRequired(name)
	}
	for _, cmd := range []*cobra.Command{requestCmd, resumeCmd} {
		cmd.Flags().BoolVar(&requestServe, "serve", false, "also serve the webhook from this process")
	}
}

func runRequest(_ *cobra.Command, _ []string) error {
	return withWaiter(func(ctx context.Context, sc *SharedComponents) (*escalation.Result, error) {
		return sc.Orchestrator.Request(ctx, escalation.Request{
			CustomerName:     requestCustomer,
			Issue:            requestIssue,
			ProposedSolution: requestSolution,
		})
	})
}

func runResume(_ *cobra.Command, args []string) error {
	runID := args[0]
	return withWaiter(func(ctx context.Context, sc *SharedComponents) (*escalation.Result, error) {
		if !sc.Durable() {
			return nil, errors.New("resume needs sqlite or postgres storage")
		}
		return sc.Orchestrator.Resume(ctx, runID)
	})
}

// withWaiter sets up the shared components, runs wait and prints its result.
func withWaiter(wait func(ctx context.Context, sc *SharedComponents) (*escalation.Result, error)) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if requestServe {
		stopGateway, err := serveInProcess(ctx, sc)
		if err != nil {
			return err
		}
		defer stopGateway()
	} else if !sc.Durable() {
		return errors.New("memory storage needs --serve: no other process can receive the decision")
	}

	res, err := wait(ctx, sc)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted: the run stays pending and can be resumed")
		}
		return err
	}
	return printJSON(res)
}

// serveInProcess runs the HTTP gateway and the sweeper next to a waiting
// command. The returned func stops both.
func serveInProcess(ctx context.Context, sc *SharedComponents) (func(), error) {
	stopSweeper, err := sc.StartSweeper(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting hook sweeper: %w", err)
	}

	gw := buildHTTPGateway(sc)
	go func() {
		if err := gw.Start(ctx); err != nil {
			sc.Logger.Error("http gateway failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.Config.HTTP.ShutdownTimeout())
		defer cancel()
		if err := gw.Stop(shutdownCtx); err != nil {
			sc.Logger.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		stopSweeper()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
