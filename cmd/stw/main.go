package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/policy"
	"steward/internal/repo"
	"steward/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stw",
	Short: "Steward CLI",
	Long: `Steward is an autonomy governor for an autonomous project assistant.
It decides, per proposed action, whether the agent may act immediately, must
queue the action for a human review window, must escalate for explicit
approval, or must refuse outright. Trust graduates per action type as humans
approve; a single cancellation resets it. A budget governor tracks LLM spend
and reports how aggressively optional work should be shed.
Workspace: the .steward directory holds only the SQLite database; autonomy
config lives in the DB and is imported explicitly from steward.yml.`,
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
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a workspace with a default steward.yml and project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, _, err := app.ResolveProjectAndConfig(ctx, id, r); err != nil {
					return err
				}
				fmt.Printf("Initialised project %s; edit %s and run 'stw config import' to apply\n", id, cfgPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return prj
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage autonomy config"}
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configGenerateCmd())
	return cfg
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate steward.yml and store it for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if file == "" {
				file = config.Path(workspace)
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID := viper.GetString("project")
				if projectID == "" {
					projectID = cfg.Project.ID
				}
				if projectID == "" {
					return fmt.Errorf("project id missing from config; set project.id or --project")
				}
				cfg.Project.ID = projectID
				if _, _, err := app.ResolveProjectAndConfig(ctx, projectID, r); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported config for project %s from %s\n", projectID, file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default: <workspace>/steward.yml)")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored autonomy config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configGenerateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print a default steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "my-project", "project id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show autonomy status for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountHeldActionsByStatus(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"project_id":       e.Config.Project.ID,
					"autonomy_level":   e.Config.Autonomy.Level,
					"dry_run":          e.Config.Autonomy.DryRun,
					"queue_counts":     counts,
					"budget":           e.Budget.Snapshot(),
					"degradation_tier": e.Budget.DegradationTier(),
				})
			})
		},
	}
}

// parseActions turns repeated --action type[=payload] flags or a JSON file
// into gate inputs.
func parseActions(projectID string, actions []string, file string) ([]engine.ActionInput, error) {
	var inputs []engine.ActionInput
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var batch []struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload,omitempty"`
		}
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		for _, a := range batch {
			input := engine.ActionInput{ProjectID: projectID, ActionType: a.Type}
			if len(a.Payload) > 0 {
				b, _ := json.Marshal(a.Payload)
				input.PayloadJSON = string(b)
			}
			inputs = append(inputs, input)
		}
	}
	for _, raw := range actions {
		actionType, payload, _ := strings.Cut(raw, "=")
		if actionType == "" {
			return nil, fmt.Errorf("invalid --action %q", raw)
		}
		if payload != "" && !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("payload for %s is not valid JSON", actionType)
		}
		inputs = append(inputs, engine.ActionInput{ProjectID: projectID, ActionType: actionType, PayloadJSON: payload})
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("at least one --action or --file is required")
	}
	return inputs, nil
}

func execCmd() *cobra.Command {
	var level, file string
	var actions []string
	var dryRun bool
	var holdMinutes int
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Gate and execute proposed actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if level == "" {
					level = e.Config.Autonomy.Level
				}
				inputs, err := parseActions(e.Config.Project.ID, actions, file)
				if err != nil {
					return err
				}
				results, err := e.ExecuteActions(ctx, inputs, engine.ExecConfig{
					Level:       policy.Level(level),
					DryRun:      dryRun || e.Config.Autonomy.DryRun,
					HoldMinutes: holdMinutes,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "autonomy level (monitoring, artefact, tactical)")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "action as type[=payload-json]; repeatable")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with a batch of actions")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without executing")
	cmd.Flags().IntVar(&holdMinutes, "hold-minutes", 0, "override the trust-derived hold duration")
	return cmd
}

func previewCmd() *cobra.Command {
	var level, file string
	var actions []string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Classify proposed actions without side effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if level == "" {
					level = e.Config.Autonomy.Level
				}
				l := policy.Level(level)
				if !l.Valid() {
					return fmt.Errorf("unknown autonomy level %q", level)
				}
				inputs, err := parseActions(e.Config.Project.ID, actions, file)
				if err != nil {
					return err
				}
				return printJSONOrTable(e.PreviewActions(inputs, l))
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "autonomy level (monitoring, artefact, tactical)")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "action as type[=payload-json]; repeatable")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with a batch of actions")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Manage the hold queue"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueShowCmd())
	q.AddCommand(queueApproveCmd())
	q.AddCommand(queueCancelCmd())
	q.AddCommand(queueProcessCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var status, actionType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List held actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListHeldActions(ctx, repo.HeldActionFilters{
					ProjectID:  e.Config.Project.ID,
					Status:     status,
					ActionType: actionType,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Held Until", "Error"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.Status, a.HeldUntil, a.ErrorText})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&actionType, "type", "", "filter by action type")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func queueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show one held action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetHeldAction(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func queueApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a held action and execute it now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, decided, err := e.ApproveAction(ctx, e.Config.Project.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !decided {
					return fmt.Errorf("action %s already decided (%s)", args[0], a.Status)
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func queueCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a held action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, decided, err := e.CancelAction(ctx, e.Config.Project.ID, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !decided {
					return fmt.Errorf("action %s already decided (%s)", args[0], a.Status)
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func queueProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Execute all held actions whose hold has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.ProcessQueue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func trustCmd() *cobra.Command {
	t := &cobra.Command{Use: "trust", Short: "Inspect trust graduation"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trust tiers per action type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				states, err := e.Repo.ListTrustStates(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action Type", "Tier", "Approvals", "Cancellations", "Hold (min)"})
				for _, s := range states {
					tw.AppendRow(table.Row{s.ActionType, s.Tier, s.ConsecutiveApprovals, s.ConsecutiveCancellations, e.Config.HoldMinutesForTier(s.Tier)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return t
}

func budgetCmd() *cobra.Command {
	b := &cobra.Command{Use: "budget", Short: "Inspect and record LLM spend"}
	b.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show budget counters and degradation tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Budget.Snapshot())
			})
		},
	})
	var cost float64
	record := &cobra.Command{
		Use:   "record",
		Short: "Record incremental spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Budget.RecordUsage(ctx, cost); err != nil {
					return err
				}
				return printJSONOrTable(e.Budget.Snapshot())
			})
		},
	}
	record.Flags().Float64Var(&cost, "cost", 0, "incremental cost in USD")
	_ = record.MarkFlagRequired("cost")
	b.AddCommand(record)
	return b
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, e.Config.Project.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	l.AddCommand(tail)
	return l
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, actor, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id (default: --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key name")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete decided held actions past the retention TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeDecided(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d decided actions\n", n)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepSeconds int
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:       os.Getenv("STEWARD_JWT_SECRET"),
					DevLoginEnabled: devLogin,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:        e,
					BasePath:      basePath,
					Auth:          authCfg,
					SweepInterval: time.Duration(sweepSeconds) * time.Second,
				})
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
				fmt.Printf("Serving Steward API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&sweepSeconds, "sweep-seconds", 30, "queue sweep interval; 0 disables")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable unauthenticated dev token issuance")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
