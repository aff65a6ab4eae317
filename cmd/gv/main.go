package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"governor/internal/app"
	"governor/internal/config"
	"governor/internal/db"
	"governor/internal/domain"
	"governor/internal/engine"
	"governor/internal/engine/auth"
	"governor/internal/ledger"
	"governor/internal/notify"
	"governor/internal/repo"
	"governor/internal/server"
	"governor/internal/soul"
)

var rootCmd = &cobra.Command{
	Use:   "gv",
	Short: "Governor CLI",
	Long: `Governor decides whether an AI agent's action runs now, waits for a human, or is refused.
Core concepts:
- Organizations nest platform > agency > client; approvals route to the org that owns the agent or to its parent.
- Agents have an autonomy level, allow and block lists, and a self-describing configuration (the soul).
- Every action is classified (read/write/destructive, low/medium/high) and run through a fixed decision chain.
- Queued actions and soul proposals live in the approval ledger until approved, rejected or expired.
- Event log: every decision and transition, view with 'gv log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		slog.SetDefault(newLogger(viper.GetString("log-level"), viper.GetString("log-format")))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOVERNOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(soulCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(delegateCmd())
	rootCmd.AddCommand(insightCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func actor() string { return viper.GetString("actor-id") }

// --- init / config ---

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default governor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			} else if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Println("workspace ready:", db.Path(workspace))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Governance configuration",
		Long:  "The stored configuration is what the engine uses; governor.yml only seeds it or replaces it through 'gv config import'.",
	}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Println("ok:", file)
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "config file (default: workspace governor.yml)")
	cfgCmd.AddCommand(validate)

	var importFile string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored configuration with a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if importFile == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(importFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return app.ImportConfig(ctx, e.Repo, cfg)
			})
		},
	}
	importCmd.Flags().StringVar(&importFile, "file", "", "config file to import")
	cfgCmd.AddCommand(importCmd)
	return cfgCmd
}

// --- orgs ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	var opts engine.OrgCreateOptions
	var kind, tier, mode, routing string
	create := &cobra.Command{
		Use:   "create <slug>",
		Short: "Create an organization; the acting actor becomes its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Slug = args[0]
			opts.Kind = domain.OrgKind(kind)
			opts.TrustTier = domain.TrustTier(tier)
			opts.ApprovalMode = domain.ApprovalMode(mode)
			opts.ApprovalRouting = domain.ApprovalRouting(routing)
			opts.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOrg(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "display name")
	create.Flags().StringVar(&opts.ParentID, "parent", "", "parent org id")
	create.Flags().StringVar(&kind, "kind", "client", "platform, agency or client")
	create.Flags().StringVar(&tier, "trust", "", "new, established or trusted")
	create.Flags().StringVar(&mode, "approval-mode", "", "all, dangerous or none")
	create.Flags().StringVar(&routing, "routing", "", "self or parent")
	org.AddCommand(create)

	var parent string
	list := &cobra.Command{
		Use:   "list",
		Short: "List organizations under a parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOrgs(ctx, parent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, o := range items {
					rows = append(rows, table.Row{o.ID, o.Slug, o.Kind, o.TrustTier, o.ApprovalMode, o.ApprovalRouting, o.Active})
				}
				printTable(table.Row{"ID", "Slug", "Kind", "Trust", "Mode", "Routing", "Active"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&parent, "parent", "", "parent org id (empty: top level)")
	org.AddCommand(list)

	org.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOrg(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	})

	var upTier, upMode, upRouting string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Change trust tier, approval mode or routing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.UpdateOrgSettings(ctx, args[0], domain.ApprovalMode(upMode), domain.TrustTier(upTier), domain.ApprovalRouting(upRouting), actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	update.Flags().StringVar(&upTier, "trust", "", "new, established or trusted")
	update.Flags().StringVar(&upMode, "approval-mode", "", "all, dangerous or none")
	update.Flags().StringVar(&upRouting, "routing", "", "self or parent")
	org.AddCommand(update)

	org.AddCommand(&cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate an organization and its agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeactivateOrg(ctx, args[0], actor())
			})
		},
	})
	return org
}

// --- agents ---

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	var opts engine.AgentCreateOptions
	var role, autonomy, soulFile string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OrgID == "" {
				return fmt.Errorf("--org required")
			}
			opts.Name = args[0]
			opts.Role = domain.AgentRole(role)
			opts.Autonomy = domain.AutonomyLevel(autonomy)
			opts.ActorID = actor()
			if soulFile != "" {
				data, err := os.ReadFile(soulFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &opts.Soul); err != nil {
					return fmt.Errorf("soul file: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	create.Flags().StringVar(&opts.OrgID, "org", "", "org id")
	create.Flags().StringVar(&role, "role", "coordinator", "system, coordinator or customer_facing")
	create.Flags().StringVar(&autonomy, "autonomy", "", "override the trust-tier default")
	create.Flags().StringVar(&soulFile, "soul", "", "JSON file with the initial soul")
	agent.AddCommand(create)

	var org string
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents in an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("--org required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, org)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.Name, a.Role, a.Autonomy, strings.Join(a.AllowList, ","), strings.Join(a.BlockList, ","), a.SoulVersion, a.Active})
				}
				printTable(table.Row{"ID", "Name", "Role", "Autonomy", "Allow", "Block", "Soul", "Active"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&org, "org", "", "org id")
	agent.AddCommand(list)

	agent.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})

	agent.AddCommand(&cobra.Command{
		Use:   "autonomy <id> <level>",
		Short: "Set autonomy level",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAutonomy(ctx, args[0], domain.AutonomyLevel(args[1]), actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	agent.AddCommand(policyListCmd(engine.AllowList, "allow", "Add an action to the allow list"))
	agent.AddCommand(policyListCmd(engine.BlockList, "block", "Add an action to the block list"))
	return agent
}

func policyListCmd(list engine.ListKind, use, short string) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   use + " <agent-id> <action>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.EditPolicyList(ctx, args[0], list, args[1], remove, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove instead of add")
	return cmd
}

// --- actions / approvals ---

func actionCmd() *cobra.Command {
	action := &cobra.Command{Use: "action", Short: "Submit agent actions"}
	var req engine.ActionRequest
	var payload string
	submit := &cobra.Command{
		Use:   "submit <agent-id> <action>",
		Short: "Submit an action and print the decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.AgentID, req.Action, req.ActorID = args[0], args[1], actor()
			if payload != "" {
				raw, err := readJSONArg(payload)
				if err != nil {
					return err
				}
				req.Payload = raw
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dec, err := e.SubmitAction(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(dec)
			})
		},
	}
	submit.Flags().StringVar(&payload, "payload", "", "JSON payload, or @file")
	submit.Flags().StringVar(&req.SessionID, "session", "", "session id")
	action.AddCommand(submit)
	return action
}

func approvalCmd() *cobra.Command {
	approval := &cobra.Command{Use: "approval", Short: "Approval ledger"}
	var org, agent string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPending(ctx, agent, org, limit)
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
	list.Flags().StringVar(&org, "org", "", "approver org id")
	list.Flags().StringVar(&agent, "agent", "", "agent id")
	list.Flags().IntVar(&limit, "limit", 0, "max records (default from config)")
	approval.AddCommand(list)

	var histLimit int
	history := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Approval history for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetHistory(ctx, args[0], histLimit)
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
	history.Flags().IntVar(&histLimit, "limit", 0, "max records (default from config)")
	approval.AddCommand(history)

	approval.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show approval record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	})

	var outcome, channel, edited string
	var alwaysAllow bool
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Approve or reject a pending record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.ResolveRequest{
				ID:          args[0],
				Outcome:     ledger.Outcome(outcome),
				Resolver:    actor(),
				Channel:     channel,
				AlwaysAllow: alwaysAllow,
			}
			if edited != "" {
				raw, err := readJSONArg(edited)
				if err != nil {
					return err
				}
				req.EditedPayload = raw
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.Resolve(ctx, req)
				if err != nil {
					return err
				}
				if !tr.Applied && !viper.GetBool("json") {
					fmt.Printf("not applied: %s (status %s)\n", tr.Reason, tr.Record.Status)
					return nil
				}
				return printJSONOrTable(tr)
			})
		},
	}
	resolve.Flags().StringVar(&outcome, "outcome", "approve", "approve or reject")
	resolve.Flags().StringVar(&channel, "channel", "cli", "resolution channel")
	resolve.Flags().BoolVar(&alwaysAllow, "always-allow", false, "add the action to the agent's allow list")
	resolve.Flags().StringVar(&edited, "edit", "", "edited payload JSON, or @file")
	approval.AddCommand(resolve)

	approval.AddCommand(&cobra.Command{
		Use:   "annotate <id> <note-json>",
		Short: "Attach an execution note to a finished record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, err := readJSONArg(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.Annotate(ctx, args[0], note, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"applied": ok})
			})
		},
	})

	approval.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.SweepExpired(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"expired": nonNil(ids)})
			})
		},
	})
	return approval
}

// --- soul ---

func soulCmd() *cobra.Command {
	s := &cobra.Command{Use: "soul", Short: "Agent self-modification"}
	var p soul.Proposal
	var field, op string
	propose := &cobra.Command{
		Use:   "propose <agent-id> <value>",
		Short: "Propose a change to an agent's soul",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.AgentID, p.Value, p.ActorID = args[0], args[1], actor()
			p.Field, p.Operation = domain.SoulField(field), domain.SoulOperation(op)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProposeSoulChange(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	propose.Flags().StringVar(&field, "field", "learnings", "tone, persona, language, rules, boundaries, goals or learnings")
	propose.Flags().StringVar(&op, "op", "add", "add, modify or remove")
	propose.Flags().StringVar(&p.Justification, "why", "", "justification")
	propose.Flags().StringSliceVar(&p.Evidence, "evidence", nil, "evidence references")
	propose.Flags().StringVar(&p.Source, "source", soul.SourceOwner, "reflection or owner")
	propose.Flags().StringVar(&p.SessionID, "session", "", "session id")
	s.AddCommand(propose)

	var limit int
	history := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "List soul versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.SoulHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, v := range items {
					rows = append(rows, table.Row{v.Version, v.Change, v.ProposalID, v.CreatedAt})
				}
				printTable(table.Row{"Version", "Change", "Proposal", "Created"}, rows)
				return nil
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 0, "max versions")
	s.AddCommand(history)

	s.AddCommand(&cobra.Command{
		Use:   "rollback <agent-id> <version>",
		Short: "Restore an earlier version as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var version int
			if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
				return fmt.Errorf("invalid version %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Rollback(ctx, args[0], version, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	})
	return s
}

// --- messages ---

func escalateCmd() *cobra.Command {
	var severity string
	cmd := &cobra.Command{
		Use:   "escalate <agent-id> <summary>",
		Short: "Escalate an issue upward",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Escalate(ctx, args[0], args[1], domain.Severity(severity))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "medium", "low, medium, high or critical")
	return cmd
}

func delegateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delegate <agent-id> <target-org-slug> <instruction>",
		Short: "Delegate an instruction to a sub-organization",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Delegate(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func insightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insight <agent-id> <insight>",
		Short: "Share an insight one level up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ShareInsight(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	msgs := &cobra.Command{Use: "messages", Short: "Escalations, delegations and insights"}
	var f repo.MessageFilter
	var kind, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List messages addressed to an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind, f.Status = domain.MessageKind(kind), domain.MessageStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMessages(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.ID, m.Kind, m.Severity, m.SourceOrgID, m.TargetOrgID, m.Status, m.Body})
				}
				printTable(table.Row{"ID", "Kind", "Severity", "From", "To", "Status", "Body"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.TargetOrgID, "org", "", "target org id")
	list.Flags().StringVar(&f.SourceOrgID, "from", "", "source org id")
	list.Flags().StringVar(&kind, "kind", "", "escalation, delegation or insight")
	list.Flags().StringVar(&status, "status", "", "pending, acknowledged, resolved or dismissed")
	list.Flags().IntVar(&f.Limit, "limit", 0, "max messages")
	msgs.AddCommand(list)
	msgs.AddCommand(messageStatusCmd("ack", domain.MessageAcknowledged))
	msgs.AddCommand(messageStatusCmd("resolve", domain.MessageResolved))
	msgs.AddCommand(messageStatusCmd("dismiss", domain.MessageDismissed))
	return msgs
}

func messageStatusCmd(use string, to domain.MessageStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <message-id>",
		Short: "Mark message " + string(to),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMessage(ctx, args[0], to, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

// --- rbac / api keys ---

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Org role assignments"}
	var org string
	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting actor's roles and permissions in an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("--org required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Auth.ActorRoles(ctx, nil, org, actor())
				if err != nil {
					return err
				}
				perms, err := e.Auth.ActorPermissions(ctx, nil, org, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actor(), "org_id": org, "roles": nonNil(roles), "permissions": nonNil(perms)})
			})
		},
	}
	whoami.Flags().StringVar(&org, "org", "", "org id")
	cmd.AddCommand(whoami)
	cmd.AddCommand(roleAssignCmd("grant", "Grant a role in an org (requires org.manage)", true))
	cmd.AddCommand(roleAssignCmd("revoke", "Revoke a role in an org (requires org.manage)", false))
	return cmd
}

func roleAssignCmd(use, short string, grant bool) *cobra.Command {
	var org, target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" || target == "" || role == "" {
				return fmt.Errorf("--org, --actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, ok := e.Config.RBAC.Roles[role]; !ok {
					return fmt.Errorf("unknown role %q", role)
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Auth.Require(ctx, tx, org, actor(), auth.PermOrgManage); err != nil {
					return err
				}
				if grant {
					if err := e.Repo.EnsureActor(ctx, tx, target, domain.FormatTime(time.Now())); err != nil {
						return err
					}
					err = e.Repo.AssignOrgRole(ctx, tx, org, target, role)
				} else {
					err = e.Repo.RevokeOrgRole(ctx, tx, org, target, role)
				}
				if err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "org id")
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting actor; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "gv_" + hex.EncodeToString(buf)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := domain.FormatTime(time.Now())
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, key.ActorID, now); err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the acting actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(nonNil(keys))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke one of the acting actor's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeAPIKey(ctx, args[0], actor(), domain.FormatTime(time.Now()))
			})
		},
	})
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every decision, approval transition, soul change and message, in order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, evt := range items {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID})
				}
				printTable(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.OrgID, "org", "", "org id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only events after this id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepEvery time.Duration
	var legacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the expiry sweeper and notifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.Default()
			e, conn, err := app.OpenEngine(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GOVERNOR_JWT_SECRET is required for bearer auth")
			}

			notifier := notify.FromConfig(e.Config.Notify, logger)
			e.Publisher = notifier
			workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
			go notifier.Run(workerCtx)
			if sweepEvery <= 0 {
				sweepEvery = e.Config.Approvals.SweepInterval
			}
			sweepDone := make(chan struct{})
			go runSweeper(workerCtx, e, sweepEvery, sweepDone)

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				stopWorkers()
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving governor API", "addr", addr, "base_path", basePath, "sweep_interval", sweepEvery.String())
			fmt.Printf("Serving Governor API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			serveErr := srv.ListenAndServe()
			stopWorkers()
			<-sweepDone
			<-notifier.Done()
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", 0, "expiry sweep interval (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (dev only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func runSweeper(ctx context.Context, e engine.Engine, every time.Duration, done chan<- struct{}) {
	defer close(done)
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := e.SweepExpired(ctx)
			if err != nil {
				slog.Warn("expiry sweep failed", "error", err)
				continue
			}
			if len(ids) > 0 {
				slog.Info("expired pending approvals", "count", len(ids))
			}
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.OpenEngine(ctx, viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

// readJSONArg accepts inline JSON or @path.
func readJSONArg(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		if data, err = os.ReadFile(strings.TrimPrefix(arg, "@")); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return json.RawMessage(data), nil
}

func printApprovals(items []domain.ApprovalRecord) error {
	if viper.GetBool("json") {
		return printJSON(nonNil(items))
	}
	rows := make([]table.Row, 0, len(items))
	for _, a := range items {
		rows = append(rows, table.Row{a.ID, a.Kind, a.Action, a.RiskTier, a.Status, a.ApproverOrgID, a.ExpiresAt})
	}
	printTable(table.Row{"ID", "Kind", "Action", "Risk", "Status", "Approver", "Expires"}, rows)
	return nil
}

func printTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
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

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
