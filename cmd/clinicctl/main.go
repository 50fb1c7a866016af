package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clinicflow/scheduling-core/internal/app"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/config"
	"github.com/clinicflow/scheduling-core/internal/db"
	"github.com/clinicflow/scheduling-core/internal/logging"
	"github.com/clinicflow/scheduling-core/internal/settlement"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicctl",
		Short:        "Operator commands for the scheduling core",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(payoutsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads config, connects and runs fn until it returns or a signal arrives.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger := logging.New(cfg.Env, "clinicctl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := db.Migrate(ctx, a.Pool, a.Logger)
				if err != nil {
					return err
				}
				fmt.Printf("applied %d migration(s)\n", n)
				return nil
			})
		},
	}
}

func weekFlag(cmd *cobra.Command, a *app.App) (time.Time, error) {
	week, _ := cmd.Flags().GetString("week")
	if week == "" {
		return settlement.PreviousWeek(a.Config.Window, time.Now()), nil
	}
	return settlement.ParseWeek(a.Config.Window, week)
}

func settleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Run weekly payout settlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				week, err := weekFlag(cmd, a)
				if err != nil {
					return err
				}
				summary, err := a.Settlement.RunWeeklySettlement(ctx, auth.System(), week)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
	cmd.Flags().String("week", "", "Monday of the week to settle (YYYY-MM-DD, default last week)")
	return cmd
}

func payoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "List payouts recorded for a week",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				week, err := weekFlag(cmd, a)
				if err != nil {
					return err
				}
				payouts, err := a.Settlement.ListWeek(ctx, week)
				if err != nil {
					return err
				}
				return printJSON(payouts)
			})
		},
	}
	cmd.Flags().String("week", "", "Monday of the week (YYYY-MM-DD, default last week)")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-no-shows",
		Short: "Mark overdue pending and confirmed appointments as no-show",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Appointments.SweepNoShows(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("marked %d appointment(s) as no-show\n", n)
				return nil
			})
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish-events",
		Short: "Drain unpublished events to Kafka once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				pub, closePub := a.Publisher()
				if pub == nil {
					return fmt.Errorf("KAFKA_BROKERS is not set")
				}
				defer closePub()

				total := 0
				for {
					n, err := pub.PublishOnce(ctx)
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
					total += n
				}
				fmt.Printf("published %d event(s)\n", total)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}

			rawID, _ := cmd.Flags().GetString("user")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			userID := uuid.New()
			if rawID != "" {
				if userID, err = uuid.Parse(rawID); err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
			}

			p := auth.Principal{UserID: userID}
			for _, r := range roles {
				p.Roles = append(p.Roles, auth.Role(r))
			}

			tok, err := auth.Issue(cfg.JWTSecret, cfg.JWTIssuer, p, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "User id (default random)")
	cmd.Flags().StringSlice("role", []string{"patient"}, "Role(s) to grant")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}
