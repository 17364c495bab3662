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

	"backplane/internal/app"
	"backplane/internal/config"
	"backplane/internal/db"
	"backplane/internal/domain"
	"backplane/internal/repo"
	"backplane/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bp",
	Short: "Backplane CLI",
	Long: `Backplane routes events between services with a policy gate and a
hash-chained audit trail.
- Workspace: a .backplane directory holding the SQLite database.
- Endpoints: services registered for hierarchical topics (a.b.*, one segment per star).
- Ingest: producers submit envelopes; policy rules decide pass, reject or escalate.
- Escalations: held envelopes wait for a human approve/amend/reject, then expire after a TTL.
- Audit: every stage transition lands in a tamper-evident ledger ('bp audit verify').`,
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
	viper.SetEnvPrefix("BACKPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(endpointCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	if err := fn(ctx, a); err != nil {
		return err
	}
	// Local commands run in-process; make sure queued deliveries land
	// before the database closes.
	a.Router.WaitForIdle()
	return nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default backplane.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func endpointCmd() *cobra.Command {
	ep := &cobra.Command{Use: "endpoint", Short: "Manage service endpoints"}
	ep.AddCommand(endpointRegisterCmd())
	ep.AddCommand(endpointListCmd())
	ep.AddCommand(endpointDeregisterCmd())
	ep.AddCommand(endpointResolveCmd())
	ep.AddCommand(endpointProbeCmd())
	return ep
}

func endpointRegisterCmd() *cobra.Command {
	var topics []string
	var address string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register or refresh an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ep, err := a.Registry.Register(ctx, domain.ServiceEndpoint{
					Name:    args[0],
					Topics:  topics,
					Address: address,
				}, refresh, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "topic pattern (repeatable)")
	cmd.Flags().StringVar(&address, "address", "", "delivery address")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh an existing registration")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func endpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List endpoints, unhealthy included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				eps, err := a.Registry.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(eps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Topics", "Address", "Health", "Missed"})
				for _, ep := range eps {
					tw.AppendRow(table.Row{ep.Name, strings.Join(ep.Topics, ","), ep.Address, ep.HealthStatus, ep.MissedProbes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func endpointDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <name>",
		Short: "Remove an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Registry.Deregister(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func endpointResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <topic>",
		Short: "Show which subscribers a topic resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				eps, err := a.Registry.Resolve(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(eps)
			})
		},
	}
}

func endpointProbeCmd() *cobra.Command {
	var healthy bool
	cmd := &cobra.Command{
		Use:   "probe <name>",
		Short: "Record a health probe result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if healthy {
					return a.Registry.MarkHealthy(ctx, args[0])
				}
				return a.Registry.MarkUnhealthy(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&healthy, "healthy", false, "report the probe as successful")
	return cmd
}

func ruleCmd() *cobra.Command {
	rc := &cobra.Command{Use: "rule", Short: "Manage policy rules"}
	rc.AddCommand(ruleImportCmd())
	rc.AddCommand(ruleListCmd())
	return rc
}

func ruleImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <rules.yml>",
		Short: "Replace the active rule set from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := config.RulesFromFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, err := a.ImportRules(ctx, rules)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d rule(s), version %d\n", len(rules), version)
				return nil
			})
		},
	}
	return cmd
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the active rule set in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules := a.Gate.Rules()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": a.Gate.Version(), "rules": rules})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Priority", "ID", "Topic", "On Fail", "Predicate"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.Priority, r.ID, r.TopicPattern, r.OnFail, r.Predicate})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var topic, payload, producer, id, causation string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit an event envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if producer == "" {
					producer = viper.GetString("actor-id")
				}
				env := domain.EventEnvelope{
					ID:       id,
					Topic:    topic,
					Payload:  []byte(payload),
					Producer: producer,
				}
				if causation != "" {
					env.CausationID = &causation
				}
				out, err := a.Router.Ingest(ctx, env)
				if err != nil {
					return err
				}
				a.Router.WaitForIdle()
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "envelope topic")
	cmd.Flags().StringVar(&payload, "payload", "", "envelope payload")
	cmd.Flags().StringVar(&producer, "producer", "", "producer (defaults to --actor-id)")
	cmd.Flags().StringVar(&id, "id", "", "envelope id (assigned when empty)")
	cmd.Flags().StringVar(&causation, "causation-id", "", "id of the envelope that caused this one")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func escalationCmd() *cobra.Command {
	ec := &cobra.Command{Use: "escalation", Short: "Review held envelopes"}
	ec.AddCommand(escalationListCmd())
	ec.AddCommand(escalationDecideCmd())
	ec.AddCommand(escalationExpireCmd())
	return ec
}

func escalationListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.List(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Envelope", "Rule", "Status", "Expires"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.EnvelopeID, item.ReasonRuleID, item.Status, item.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func escalationDecideCmd() *cobra.Command {
	var comment, payload string
	cmd := &cobra.Command{
		Use:   "decide <item-id> <approve|amend|reject>",
		Short: "Apply a reviewer decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Queue.Decide(ctx, args[0], args[1], viper.GetString("actor-id"), comment, []byte(payload))
				if err != nil {
					return err
				}
				a.Router.WaitForIdle()
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.Flags().StringVar(&payload, "payload", "", "replacement payload (amend only)")
	return cmd
}

func escalationExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire items past their TTL now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d item(s)\n", n)
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	ac := &cobra.Command{Use: "audit", Short: "Inspect the audit ledger"}
	ac.AddCommand(auditQueryCmd())
	ac.AddCommand(auditTailCmd())
	ac.AddCommand(auditVerifyCmd())
	return ac
}

func auditQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <envelope-id>",
		Short: "Full stage history for one envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Ledger.Query(ctx, args[0])
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	}
}

func auditTailCmd() *cobra.Command {
	var n int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Most recent ledger records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				head, err := a.Ledger.Head(ctx)
				if err != nil {
					return err
				}
				from := head - n + 1
				if from < 1 {
					from = 1
				}
				recs, err := a.Ledger.Range(ctx, from, head)
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	}
	cmd.Flags().Int64Var(&n, "n", 20, "number of records")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report breaks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if to == 0 {
					head, err := a.Ledger.Head(ctx)
					if err != nil {
						return err
					}
					to = head
				}
				if to == 0 {
					fmt.Println("ledger is empty")
					return nil
				}
				ok, err := a.Ledger.Verify(ctx, from, to)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("hash chain verification failed")
				}
				fmt.Printf("chain intact through sequence %d\n", to)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "first sequence")
	cmd.Flags().Int64Var(&to, "to", 0, "last sequence (0 = head)")
	return cmd
}

func printRecords(recs []domain.AuditRecord) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Envelope", "Stage", "Actor", "Timestamp"})
	for _, rec := range recs {
		tw.AppendRow(table.Row{rec.Sequence, rec.EnvelopeID, rec.Stage, rec.Actor, rec.Timestamp})
	}
	tw.Render()
	return nil
}

func apikeyCmd() *cobra.Command {
	kc := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	kc.AddCommand(apikeyCreateCmd())
	kc.AddCommand(apikeyListCmd())
	kc.AddCommand(apikeyDeleteCmd())
	return kc
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "bpk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println("api key (shown once):", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()

			sweepCtx, stopSweep := context.WithCancel(cmd.Context())
			defer stopSweep()
			a.StartSweeper(sweepCtx)

			jwtSecret := os.Getenv("BACKPLANE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = a.Config.Server.JWTSecret
			}
			handler, err := server.New(server.Config{
				App:      a,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
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
			fmt.Printf("Serving Backplane API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
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
