package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/rebalancer/internal"
	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/internal/review"
	"github.com/vadiminshakov/rebalancer/internal/web"
)

var (
	genClientID        string
	genAccountRef      string
	genStrategyID      string
	genMaxPositions    int
	genRequireApproval bool

	rejectReason string
	executeDry   bool

	listClientID string
	listStatus   string
	listLimit    int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Resolve a target allocation and create an order batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, err := app.Engine.GenerateRebalanceOrders(cmd.Context(), internal.RebalanceRequest{
			ClientID:        genClientID,
			AccountRef:      genAccountRef,
			StrategyID:      genStrategyID,
			MaxPositions:    genMaxPositions,
			RequireApproval: genRequireApproval,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, b)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <batch-id>",
	Short: "Approve a batch awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Engine.ApproveBatch(cmd.Context(), args[0]); err != nil {
			return err
		}
		return showBatch(cmd, args[0])
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <batch-id>",
	Short: "Reject a batch awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Engine.RejectBatch(cmd.Context(), args[0], rejectReason); err != nil {
			return err
		}
		return showBatch(cmd, args[0])
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <batch-id>",
	Short: "Interactively approve or reject a batch awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := app.Engine.GetBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		d, err := review.Prompt(b)
		if err != nil {
			return err
		}
		switch d.Choice {
		case review.ChoiceApprove:
			err = app.Engine.ApproveBatch(cmd.Context(), b.ID)
		case review.ChoiceReject:
			err = app.Engine.RejectBatch(cmd.Context(), b.ID, d.Reason)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		return showBatch(cmd, b.ID)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <batch-id>",
	Short: "Execute a ready or approved batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := app.Engine.ExecuteOrderBatch(cmd.Context(), args[0], executeDry)
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Print a batch with its execution results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showBatch(cmd, args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var status domain.BatchStatus
		if listStatus != "" {
			s, err := domain.ParseBatchStatus(listStatus)
			if err != nil {
				return err
			}
			status = s
		}
		list, err := app.Engine.ListBatches(cmd.Context(), listClientID, status, listLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd, list)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <batch-id>",
	Short: "Finalize a batch whose execution was interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := app.Engine.RecoverBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List journaled orders whose outcome was never recorded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd, app.Engine.PendingIntents())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv := web.NewServer(conf.Server.Addr, app.Engine, app.Metrics.Handler(), logger.Named("web"))
		if len(conf.Server.TLSDomains) > 0 {
			return srv.StartWithAutoTLS(cmd.Context(), conf.Server.TLSDomains, conf.Server.CertCacheDir)
		}
		return srv.Start(cmd.Context())
	},
}

func init() {
	generateCmd.Flags().StringVar(&genClientID, "client", "", "client id")
	generateCmd.Flags().StringVar(&genAccountRef, "account", "", "brokerage account reference")
	generateCmd.Flags().StringVar(&genStrategyID, "strategy", "", "RL strategy id")
	generateCmd.Flags().IntVar(&genMaxPositions, "max-positions", 0, "cap on resolved positions (config default when 0)")
	generateCmd.Flags().BoolVar(&genRequireApproval, "require-approval", false, "hold the batch for approval")
	_ = generateCmd.MarkFlagRequired("client")
	_ = generateCmd.MarkFlagRequired("account")

	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")
	executeCmd.Flags().BoolVar(&executeDry, "dry-run", false, "validate without submitting orders")

	listCmd.Flags().StringVar(&listClientID, "client", "", "filter by client id")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of batches")

	rootCmd.AddCommand(generateCmd, approveCmd, rejectCmd, reviewCmd, executeCmd, showCmd, listCmd, recoverCmd, pendingCmd, serveCmd)
}

func showBatch(cmd *cobra.Command, batchID string) error {
	b, err := app.Engine.GetBatch(cmd.Context(), batchID)
	if err != nil {
		return err
	}
	return printJSON(cmd, b)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode output")
}
