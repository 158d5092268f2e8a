// Command rideclient is an interactive terminal participant of the ride relay:
// it connects as a customer or driver and drives a ride from the prompt.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/ride-realtime/internal/auth"
	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/connection"
	"github.com/example/ride-realtime/internal/coordinator"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		role   string
		userID string
		token  string
	)
	rootCmd := &cobra.Command{
		Use:          "rideclient",
		Short:        "Interactive ride relay participant",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, models.Role(role), userID, token)
		},
	}
	rootCmd.Flags().StringVar(&role, "role", "customer", "Participant role (customer or driver)")
	rootCmd.Flags().StringVar(&userID, "id", "", "User id to connect as")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("RIDE_TOKEN"), "Bearer token (or set RIDE_TOKEN)")
	_ = rootCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(buildTokenCmd())
	return rootCmd
}

// buildTokenCmd issues a token signed with JWT_SECRET, for local testing.
func buildTokenCmd() *cobra.Command {
	var (
		role   string
		userID string
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := auth.NewJWTService(os.Getenv("JWT_SECRET"), expiry)
			tok, err := svc.Issue(auth.Identity{Role: models.Role(role), UserID: userID})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "customer", "Participant role")
	cmd.Flags().StringVar(&userID, "id", "", "User id")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runSession(cmd *cobra.Command, role models.Role, userID, token string) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	out := cmd.OutOrStdout()

	coord, err := coordinator.New(coordinator.Options{
		Role:   role,
		UserID: userID,
		Token:  token,
		Connection: connection.Config{
			BaseURL:           cfg.WSBase,
			HeartbeatInterval: cfg.HeartbeatInterval,
			WriteTimeout:      cfg.WriteTimeout,
			ReconnectBase:     cfg.ReconnectBase,
			ReconnectCap:      cfg.ReconnectCap,
			MaxReconnects:     cfg.ReconnectMax,
		},
		APIBase:          cfg.APIBase,
		RequestTimeout:   cfg.RequestTimeout,
		DeclineGrace:     cfg.DeclineGrace,
		LocationInterval: cfg.LocationInterval,
		MaxNotifications: cfg.MaxNotifications,
		Chime:            bell{w: out},
		Alerts:           printAlerts{w: out},
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := coord.Start(ctx); err != nil {
		// the manager keeps reconnecting; the prompt stays usable
		logger.Warn("initial connect failed", "error", err)
	}

	sh := &shell{s: coord, notes: coord.Notifications, current: coord.Rides.Current, role: role, out: out}
	fmt.Fprintf(out, "connected as %s %s, type 'help' for commands\n", role, userID)
	return sh.run(ctx, cmd.InOrStdin())
}
