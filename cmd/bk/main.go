package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"basketry/internal/config"
	"basketry/internal/db"
	"basketry/internal/domain"
	"basketry/internal/engine"
	"basketry/internal/logging"
	"basketry/internal/migrate"
	"basketry/internal/ops"
	"basketry/internal/queue"
	"basketry/internal/repo"
	"basketry/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bk",
	Short: "Basketry CLI",
	Long: `Basketry runs governed knowledge-capture pipelines.
Work enters a durable queue, becomes a reviewable proposal of substrate
operations, and executes against baskets of blocks, context items,
documents and their graph. Every executed operation leaves an audit row.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BASKETRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("workspace-id", "default", "workspace identifier")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("workspace-id", rootCmd.PersistentFlags().Lookup("workspace-id"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(basketCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(serveCmd())
}

func basketCmd() *cobra.Command {
	basket := &cobra.Command{Use: "basket", Short: "Manage baskets"}
	basket.AddCommand(basketCreateCmd())
	basket.AddCommand(basketListCmd())
	basket.AddCommand(basketShowCmd())
	return basket
}

func basketCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create basket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBasket(ctx, viper.GetString("workspace-id"), name, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "basket name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func basketListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List baskets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBaskets(ctx, viper.GetString("workspace-id"))
				if err != nil {
					return err
				}
				if plainOutput() {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Name, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func basketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <basket-id>",
		Short: "Basket detail with substrate counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workspaceID := viper.GetString("workspace-id")
				b, err := e.Repo.GetBasket(ctx, workspaceID, args[0])
				if err != nil {
					return err
				}
				counts, err := e.Substrate.CountBasket(ctx, workspaceID, args[0])
				if err != nil {
					return err
				}
				maturity, err := e.Substrate.Maturity(ctx, workspaceID, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"basket": b, "counts": counts, "maturity": maturity})
			})
		},
	}
	return cmd
}

func workCmd() *cobra.Command {
	work := &cobra.Command{Use: "work", Short: "Manage the work queue"}
	work.AddCommand(workSubmitCmd())
	work.AddCommand(workListCmd())
	work.AddCommand(workShowCmd())
	work.AddCommand(workClaimCmd())
	work.AddCommand(workRetryCmd())
	return work
}

func workSubmitCmd() *cobra.Command {
	var workType, basketID, priority, mode, override, opsJSON, opsFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an operation batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(opsJSON)
			if opsFile != "" {
				data, err := os.ReadFile(opsFile)
				if err != nil {
					return err
				}
				raw = data
			}
			operations, err := ops.DecodeList(raw)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SubmitWork(ctx, engine.SubmitOptions{
					WorkspaceID:   viper.GetString("workspace-id"),
					UserID:        viper.GetString("user-id"),
					WorkType:      domain.WorkType(workType),
					BasketID:      basketID,
					Operations:    operations,
					Priority:      domain.Priority(priority),
					ExecutionMode: domain.ExecutionMode(mode),
					UserOverride:  override,
				})
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	cmd.Flags().StringVar(&workType, "type", "", "work type (CAPTURE, SUBSTRATE, ...)")
	cmd.Flags().StringVar(&basketID, "basket", "", "basket id")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (urgent, high, normal, low)")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode (auto_execute, create_proposal, confidence_routing)")
	cmd.Flags().StringVar(&override, "override", "", "user override (allow_auto, require_review)")
	cmd.Flags().StringVar(&opsJSON, "ops", "", "operations JSON array")
	cmd.Flags().StringVar(&opsFile, "ops-file", "", "file with operations JSON array")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("basket")
	return cmd
}

func workListCmd() *cobra.Command {
	var state, workType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Queue.List(ctx, queue.Filters{
					WorkspaceID: viper.GetString("workspace-id"),
					State:       domain.ProcessingState(state),
					WorkType:    domain.WorkType(workType),
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if plainOutput() {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Priority", "Retries", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.WorkType, it.ProcessingState, it.Priority,
						fmt.Sprintf("%d/%d", it.RetryCount, it.MaxRetries), it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "processing state filter")
	cmd.Flags().StringVar(&workType, "type", "", "work type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func workShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <work-id>",
		Short: "Work item detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Queue.Get(ctx, viper.GetString("workspace-id"), args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	return cmd
}

func workClaimCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next batch of pending work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Claim(ctx, viper.GetString("workspace-id"), viper.GetString("user-id"), limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "batch size (0 uses the ceiling)")
	return cmd
}

func workRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <work-id>",
		Short: "Retry a failed work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.RetryFailed(ctx, viper.GetString("workspace-id"), args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	proposal := &cobra.Command{Use: "proposal", Short: "Review proposals"}
	proposal.AddCommand(proposalListCmd())
	proposal.AddCommand(proposalShowCmd())
	proposal.AddCommand(proposalApproveCmd())
	proposal.AddCommand(proposalRejectCmd())
	return proposal
}

func proposalListCmd() *cobra.Command {
	var basketID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
					WorkspaceID: viper.GetString("workspace-id"),
					BasketID:    basketID,
					Status:      domain.ProposalStatus(status),
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if plainOutput() {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Basket", "Kind", "Status", "Executed", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.BasketID, p.Kind, p.Status, p.IsExecuted, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&basketID, "basket", "", "basket filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Proposal detail with execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, viper.GetString("workspace-id"), args[0])
				if err != nil {
					return err
				}
				log, err := e.Repo.ListExecutionLog(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"proposal": p, "execution_log": log})
			})
		},
	}
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve and execute a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.ApproveProposal(ctx, viper.GetString("workspace-id"), args[0], viper.GetString("user-id"), optionalString(notes))
				if err != nil {
					// surface the partial log before failing
					if len(summary.Log) > 0 {
						_ = printJSON(summary)
					}
					return err
				}
				return printJSON(summary)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RejectProposal(ctx, viper.GetString("workspace-id"), args[0], viper.GetString("user-id"), optionalString(notes))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace queue and review summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx, viper.GetString("workspace-id"))
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, viper.GetString("workspace-id"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{Use: "worker", Short: "Background processing"}
	worker.AddCommand(workerRunCmd())
	return worker
}

func workerRunCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the queue worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			lockPath := filepath.Join(workspace, ".basketry", "worker.lock")
			lock := flock.New(lockPath)
			held, err := lock.TryLock()
			if err != nil {
				return err
			}
			if !held {
				return fmt.Errorf("another worker already holds %s", lockPath)
			}
			defer lock.Unlock()

			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w := &engine.Worker{
					Engine:      e,
					WorkspaceID: viper.GetString("workspace-id"),
					WorkerID:    "worker-" + uuid.NewString()[:8],
					BatchSize:   batchSize,
					Interval:    time.Duration(e.Config.Queue.PollIntervalSecs) * time.Second,
					Logger:      e.Logger,
				}
				err := w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", 5, "items claimed per pass")
	return cmd
}

func maintenanceCmd() *cobra.Command {
	maint := &cobra.Command{Use: "maintenance", Short: "Queue maintenance"}
	maint.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Requeue stale claimed and running work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RecoverOrphans(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]int64{"recovered": n})
			})
		},
	})
	maint.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Prune completed work past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CleanupOldWork(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]int64{"pruned": n})
			})
		},
	})
	return maint
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Basketry API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, logger)
	return fn(ctx, e)
}

// plainOutput reports whether tables should give way to JSON: either the
// caller asked for JSON or stdout is not a terminal.
func plainOutput() bool {
	if viper.GetBool("json") {
		return true
	}
	return !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
