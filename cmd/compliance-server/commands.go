package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/retention"
)

// withApp loads config, wires the core for a one-off command and tears it
// down afterwards so buffered audit events reach storage.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cliActor(id string) retention.Actor {
	return retention.Actor{ID: id, Role: auth.RoleComplianceOfficer}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			var count int
			if tenant != "" {
				schema, err := db.TenantSchema(tenant)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
				count, err = db.CreateTenantSchema(ctx, pool, tenant)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			} else {
				fmt.Fprintf(out, "Running migrations on schema: %s\n", cfg.DBSchema)
				count, err = db.NewMigrator(pool, db.Migrations()).Up(ctx, cfg.DBSchema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant to migrate (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := cfg.DBSchema
			if tenant != "" {
				if schema, err = db.TenantSchema(tenant); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant to inspect (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Scan, purge and report on retained records",
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List records eligible for purge",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, _ := cmd.Flags().GetStringSlice("rules")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				cands, err := a.retention.Scan(ctx, retention.ScanOptions{Rules: rules, DryRun: dryRun})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"candidates": cands,
					"total":      len(cands),
					"dry_run":    dryRun,
				})
			})
		},
	}
	scanCmd.Flags().StringSlice("rules", nil, "Limit the scan to these rule names")
	scanCmd.Flags().Bool("dry-run", true, "Do not record the scan as the pending candidate set")
	cmd.AddCommand(scanCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Scan and purge eligible records",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, _ := cmd.Flags().GetStringSlice("rules")
			approvers, _ := cmd.Flags().GetStringSlice("approver")
			initiator, _ := cmd.Flags().GetString("actor")
			force, _ := cmd.Flags().GetBool("force")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				cands, err := a.retention.Scan(ctx, retention.ScanOptions{Rules: rules})
				if err != nil {
					return err
				}
				if len(cands) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No records eligible for purge.")
					return nil
				}
				res, err := a.retention.ExecutePurge(ctx, retention.PurgeRequest{
					Candidates: cands,
					Initiator:  cliActor(initiator),
					Approvers:  approvers,
					Force:      force,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	purgeCmd.Flags().StringSlice("rules", nil, "Limit the purge to these rule names")
	purgeCmd.Flags().StringSlice("approver", nil, "Approver identity, repeat for each approver")
	purgeCmd.Flags().String("actor", "", "Identity initiating the purge")
	purgeCmd.Flags().Bool("force", false, "Purge high risk candidates")
	_ = purgeCmd.MarkFlagRequired("actor")
	cmd.AddCommand(purgeCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one automated retention pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.retention.RunAutomated(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize retention activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			period, _ := cmd.Flags().GetString("period")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.retention.GenerateReport(ctx, period)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			})
		},
	}
	reportCmd.Flags().String("period", "30d", "Report period: 7d, 30d, 90d or 365d")
	cmd.AddCommand(reportCmd)

	holdCmd := &cobra.Command{
		Use:   "hold <subject-id>",
		Short: "Place a legal hold on a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			by, _ := cmd.Flags().GetString("actor")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.retention.PlaceHold(ctx, args[0], reason, cliActor(by))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), h)
			})
		},
	}
	holdCmd.Flags().String("reason", "", "Why the subject is held")
	holdCmd.Flags().String("actor", "", "Identity placing the hold")
	_ = holdCmd.MarkFlagRequired("reason")
	_ = holdCmd.MarkFlagRequired("actor")
	cmd.AddCommand(holdCmd)

	releaseCmd := &cobra.Command{
		Use:   "release <subject-id>",
		Short: "Release a legal hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			by, _ := cmd.Flags().GetString("actor")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.retention.ReleaseHold(ctx, args[0], reason, cliActor(by)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released legal hold on %s.\n", args[0])
				return nil
			})
		},
	}
	releaseCmd.Flags().String("reason", "", "Why the hold is released")
	releaseCmd.Flags().String("actor", "", "Identity releasing the hold")
	_ = releaseCmd.MarkFlagRequired("actor")
	cmd.AddCommand(releaseCmd)

	return cmd
}

func fallbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect and drain the audit fallback tiers",
	}

	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Move queued audit events back to primary storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.chain.RetryPending(ctx, batch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	drainCmd.Flags().Int("batch", 1000, "Maximum events to move")
	cmd.AddCommand(drainCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the fallback file into primary storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if path == "" {
					path = a.cfg.FallbackFile
				}
				res, err := a.chain.ReplayFile(ctx, path)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	replayCmd.Flags().String("file", "", "Fallback file to replay (defaults to FALLBACK_FILE)")
	cmd.AddCommand(replayCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "Print the fallback queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.chain.Depth(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	})

	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Provision and rotate encryption keys",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a master key and RSA key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			rsaOut, _ := cmd.Flags().GetString("rsa-out")

			master, rsaPEM, err := hipaa.GenerateKeyMaterial()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "HIPAA_MASTER_KEY=%s\n", master)
			if rsaOut != "" {
				if err := os.WriteFile(rsaOut, rsaPEM, 0o600); err != nil {
					return fmt.Errorf("write RSA key: %w", err)
				}
				fmt.Fprintf(out, "HIPAA_RSA_PRIVATE_KEY_FILE=%s\n", rsaOut)
				return nil
			}
			_, err = out.Write(rsaPEM)
			return err
		},
	}
	generateCmd.Flags().String("rsa-out", "", "Write the RSA key to this file instead of stdout")
	cmd.AddCommand(generateCmd)

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Move a PHI type to its next key version",
		Long: "Persists the next key version for the type. New encryptions use it\n" +
			"from then on; existing ciphertexts keep decrypting under their old key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			phiType, _ := cmd.Flags().GetString("type")
			actor, _ := cmd.Flags().GetString("actor")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				keyID, err := a.rotateKey(ctx, hipaa.PHIType(phiType), cliActor(actor))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), keyID)
				return nil
			})
		},
	}
	rotateCmd.Flags().String("type", "", "PHI type to rotate, e.g. ssn")
	rotateCmd.Flags().String("actor", "", "Identity rotating the key")
	_ = rotateCmd.MarkFlagRequired("type")
	_ = rotateCmd.MarkFlagRequired("actor")
	cmd.AddCommand(rotateCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue admin API tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("subject", "", "Token subject (user id)")
	issueCmd.Flags().StringSlice("roles", []string{auth.RoleComplianceOfficer}, "Granted roles")
	issueCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = issueCmd.MarkFlagRequired("subject")
	cmd.AddCommand(issueCmd)

	return cmd
}
