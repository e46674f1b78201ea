package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"bastion/internal/app"
	"bastion/internal/config"
	"bastion/internal/db"
	"bastion/internal/domain"
	"bastion/internal/engine"
	"bastion/internal/migrate"
	"bastion/internal/repo"
	"bastion/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Bastion CLI",
	Long: `Bastion runs cooperative resource-management game sessions.
Core concepts:
- Workspace: the .bastion directory holding the database; the catalog lives in bastion.yml.
- Session: one game. Players join a faction, submit one or more actions per turn, and the gamemaster resolves the turn.
- Factions: provisioner, guardian, mystic, explorer. Each produces different resources and carries its own mini-goals.
- Resolution: actions resolve in phases (gather, exchange, consumption, special), then global effects apply and end conditions are checked.
- Ledger: every resource movement is audited; balances are kept per turn so history survives.
- Project: the shared build the group contributes resources toward; completing its final stage wins the game.
- Event log: diary of everything that happened, view with 'bastion log tail'.`,
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
	viper.SetEnvPrefix("BASTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("session", "s", "", "session id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(playerCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(turnCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage game sessions"}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionConditionsCmd())
	s.AddCommand(sessionDeleteCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.InitSession(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id (generated if empty)")
	cmd.Flags().StringVar(&name, "name", "", "session name")
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Turn", "Max Turns"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, s.CurrentTurn, s.MaxTurns})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, requireSession())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionConditionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conditions",
		Short: "Evaluate end conditions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.EvaluateConditions(ctx, requireSession())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteSession(ctx, requireSession())
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the game catalog",
		Long:  "The catalog is the rulebook: factions, the shared project's stages, goals, abilities and starting balances. Sessions pin the catalog they were created with.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default catalog to bastion.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, config.DefaultYAML(), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func playerCmd() *cobra.Command {
	p := &cobra.Command{Use: "player", Short: "Manage players"}
	p.AddCommand(playerJoinCmd())
	p.AddCommand(playerListCmd())
	return p
}

func playerJoinCmd() *cobra.Command {
	var id, name, faction, role string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.JoinSession(ctx, engine.JoinOptions{
					SessionID: requireSession(),
					PlayerID:  id,
					Name:      name,
					Faction:   faction,
					Role:      role,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "player id (generated if empty)")
	cmd.Flags().StringVar(&name, "name", "", "player name")
	cmd.Flags().StringVar(&faction, "faction", "", "faction (provisioner|guardian|mystic|explorer)")
	cmd.Flags().StringVar(&role, "role", "player", "role (player|gamemaster)")
	return cmd
}

func playerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List players",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlayers(ctx, requireSession())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Faction", "Role"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Faction, p.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{Use: "action", Short: "Submit and inspect actions"}
	a.AddCommand(actionSubmitCmd())
	a.AddCommand(actionGetCmd())
	a.AddCommand(actionListCmd())
	return a
}

func actionSubmitCmd() *cobra.Command {
	var player, actionType, data string
	var turn int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an action for the current turn",
		Long:  `Action data is typed JSON matching the action type, e.g. --type gather --data '{"gather":{"resource":"food","base_amount":3}}'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitAction(ctx, engine.SubmitActionOptions{
					SessionID: requireSession(),
					PlayerID:  player,
					Turn:      turn,
					Type:      actionType,
					Data:      data,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&player, "player", "", "player id")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&data, "data", "", "action data JSON")
	cmd.Flags().IntVar(&turn, "turn", 0, "turn (defaults to current)")
	return cmd
}

func actionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <action-id>",
		Short: "Show one action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f.SessionID = requireSession()
				items, err := r.ListActions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Player", "Faction", "Turn", "Type", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.PlayerID, a.Faction, a.Turn, a.Type, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Turn, "turn", 0, "turn filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.PlayerID, "player", "", "player filter")
	return cmd
}

func turnCmd() *cobra.Command {
	t := &cobra.Command{Use: "turn", Short: "Turn resolution"}
	t.AddCommand(turnStatusCmd())
	t.AddCommand(turnResolveCmd())
	return t
}

func turnStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check turn readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CheckTurnReadiness(ctx, requireSession())
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func turnResolveCmd() *cobra.Command {
	var turn, timeoutMS int
	var validateOnly, strict, audit bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the current turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ResolveOptions{
					ValidateOnly:        validateOnly,
					AllowPartialFailure: !strict,
					AuditTrail:          audit,
					ActorID:             viper.GetString("actor-id"),
				}
				if timeoutMS > 0 {
					opts.Timeout = time.Duration(timeoutMS) * time.Millisecond
				}
				res, err := e.ResolveTurn(ctx, requireSession(), turn, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&turn, "turn", 0, "turn (defaults to current)")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "stage and roll back without committing")
	cmd.Flags().BoolVar(&strict, "strict", false, "abort the whole turn on the first failing action")
	cmd.Flags().BoolVar(&audit, "audit", false, "include the full audit trail in the result")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "resolution timeout in milliseconds")
	return cmd
}

func resourceCmd() *cobra.Command {
	r := &cobra.Command{Use: "resource", Short: "Inspect and adjust the ledger"}
	r.AddCommand(resourceListCmd())
	r.AddCommand(resourceAdjustCmd())
	r.AddCommand(resourceTransferCmd())
	r.AddCommand(resourceAuditCmd())
	return r
}

func resourceListCmd() *cobra.Command {
	var f repo.ResourceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resource balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.SessionID = requireSession()
				if f.Turn == 0 {
					s, err := e.Repo.GetSession(ctx, f.SessionID)
					if err != nil {
						return err
					}
					f.Turn = s.CurrentTurn
				}
				items, err := e.Ledger.Query(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Faction", "Resource", "Turn", "Quantity"})
				for _, res := range items {
					tw.AppendRow(table.Row{res.FactionID, res.Type, res.Turn, res.Quantity})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.FactionID, "faction", "", "faction filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "resource type filter")
	cmd.Flags().IntVar(&f.Turn, "turn", 0, "turn (defaults to current)")
	return cmd
}

func resourceAdjustCmd() *cobra.Command {
	var faction, resource, reason string
	var turn, delta int
	var allowNegative bool
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Adjust a resource balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AdjustResource(ctx, engine.AdjustOptions{
					SessionID:     requireSession(),
					FactionID:     faction,
					ResourceType:  resource,
					Turn:          turn,
					Delta:         delta,
					Reason:        reason,
					AllowNegative: allowNegative,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&faction, "faction", "", "faction id")
	cmd.Flags().StringVar(&resource, "type", "", "resource type")
	cmd.Flags().IntVar(&turn, "turn", 0, "turn (defaults to current)")
	cmd.Flags().IntVar(&delta, "delta", 0, "signed amount")
	cmd.Flags().StringVar(&reason, "reason", "", "audit reason")
	cmd.Flags().BoolVar(&allowNegative, "allow-negative", false, "permit a negative balance")
	return cmd
}

func resourceTransferCmd() *cobra.Command {
	var from, to, resource, reason string
	var turn, amount int
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer resources between factions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransferResource(ctx, engine.TransferOptions{
					SessionID:    requireSession(),
					From:         from,
					To:           to,
					ResourceType: resource,
					Amount:       amount,
					Turn:         turn,
					Reason:       reason,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source faction")
	cmd.Flags().StringVar(&to, "to", "", "target faction or global_pool")
	cmd.Flags().StringVar(&resource, "type", "", "resource type")
	cmd.Flags().IntVar(&amount, "amount", 0, "amount")
	cmd.Flags().IntVar(&turn, "turn", 0, "turn (defaults to current)")
	cmd.Flags().StringVar(&reason, "reason", "", "audit reason")
	return cmd
}

func resourceAuditCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List ledger audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f.SessionID = requireSession()
				items, err := r.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Faction", "Resource", "Turn", "Delta", "After", "Phase", "Reason"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.FactionID, a.Type, a.Turn, a.Delta, a.QuantityAfter, a.Phase, a.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.FactionID, "faction", "", "faction filter")
	cmd.Flags().IntVar(&f.Turn, "turn", 0, "turn filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max entries")
	return cmd
}

func projectCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "project",
		Short: "Shared project",
		Long:  "The shared project is the group's win condition: contribute stage resources, then advance stages until the final one completes.",
	}
	p.AddCommand(projectShowCmd())
	p.AddCommand(projectContributeCmd())
	p.AddCommand(projectAdvanceCmd())
	return p
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessionID := requireSession()
				cfg, err := app.ResolveSessionConfig(ctx, e.Repo, sessionID, e.Config)
				if err != nil {
					return err
				}
				p, err := e.Repo.GetProjectProgress(ctx, sessionID, cfg.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectContributeCmd() *cobra.Command {
	var player, resource string
	var amount int
	cmd := &cobra.Command{
		Use:   "contribute",
		Short: "Contribute resources to the active stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ContributeToProject(ctx, engine.ContributeOptions{
					SessionID: requireSession(),
					PlayerID:  player,
					Resource:  resource,
					Amount:    amount,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&player, "player", "", "player id")
	cmd.Flags().StringVar(&resource, "type", "", "resource type")
	cmd.Flags().IntVar(&amount, "amount", 0, "amount")
	return cmd
}

func projectAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Advance the project stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AdvanceProjectStage(ctx, requireSession(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func goalCmd() *cobra.Command {
	g := &cobra.Command{Use: "goal", Short: "Faction mini-goals"}
	g.AddCommand(goalListCmd())
	return g
}

func goalListCmd() *cobra.Command {
	var player string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFactionGoals(ctx, requireSession(), player)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Player", "Faction", "Goal", "Progress", "Target", "Done"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.PlayerID, g.Faction, g.GoalType, g.Progress, g.TargetValue, g.IsCompleted})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&player, "player", "", "player filter")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: sessions, actions, resolutions, ledger adjustments and more.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("session"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "bk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var requireAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("BASTION_JWT_SECRET"),
				Require:   requireAuth,
			}
			if requireAuth && authCfg.JWTSecret == "" {
				return fmt.Errorf("BASTION_JWT_SECRET is required with --require-auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bastion API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "reject unauthenticated requests")
	return cmd
}

func requireSession() string {
	return viper.GetString("session")
}

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
	cfg, err := app.ResolveConfig(workspace)
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
