package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blueroots.org/internal/migrate"
	"blueroots.org/internal/obs"
)

var (
	dsn      string
	envFile  string
	timeout  time.Duration
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the BlueRoots database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err == nil && len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
		return err
	}),
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		name, err := m.Down(ctx)
		if err != nil {
			return err
		}
		fmt.Println("rolled back", name)
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Status(ctx)
		if err != nil {
			return err
		}
		pending, err := m.Pending(ctx)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Println("applied ", name)
		}
		for _, name := range pending {
			fmt.Println("pending ", name)
		}
		return nil
	}),
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the builtin roles",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Seed(ctx)
		for _, name := range applied {
			fmt.Println("seeded", name)
		}
		return err
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default: $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file to load first")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, seedCmd)
}

func withManager(run func(context.Context, *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		if dsn == "" {
			return errors.New("missing DSN: provide --dsn or DATABASE_URL")
		}

		logger, err := obs.NewLogger(os.Getenv("APP_ENV"), logLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		m := migrate.NewManager(db, migrate.WithLogger(logger.With(zap.String("component", "migrate"))))
		if err := run(ctx, m); err != nil {
			return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
