package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/auth"
	"github.com/noisersup/dedupfs-api/config"
	"github.com/noisersup/dedupfs-api/database"
	"github.com/noisersup/dedupfs-api/dedup"
	"github.com/noisersup/dedupfs-api/drive"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/metrics"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/server"
	"github.com/noisersup/dedupfs-api/share"
	"github.com/noisersup/dedupfs-api/staging"
	"github.com/noisersup/dedupfs-api/tree"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool

	sessionUser string
	sessionRoot string
	sessionTTL  time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dedupfs",
		Short: "Deduplicating file storage API",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			l.SetVerbose(verbose)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE:  runMigrate,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "fsck",
		Short: "Repair children lists of the metadata tree",
		RunE:  runFsck,
	})

	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Issue a session token for an already authenticated user",
		RunE:  runSession,
	}
	sessionCmd.Flags().StringVar(&sessionUser, "user", "", "user id (random when empty)")
	sessionCmd.Flags().StringVar(&sessionRoot, "root", "", "root folder id (random when empty)")
	sessionCmd.Flags().DurationVar(&sessionTTL, "ttl", 0, "session lifetime (configured default when zero)")
	rootCmd.AddCommand(sessionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := config.OpenDocumentStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer docs.Close()

	kv, err := config.OpenCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer kv.Close()

	backends, err := config.OpenBackends(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	t := tree.New(docs, tree.WithRetry(cfg.Retry))
	d := drive.New(
		t,
		dedup.New(t, m),
		staging.New(kv, cfg.Staging.TTL),
		backends,
		share.New(kv, t, m, cfg.Share.BcryptCost),
		m,
	)
	sessions := auth.NewSessions(kv, cfg.Sessions.TTL)

	s := server.New(d, t, sessions, m, cfg.Server.MaxUpload)
	return s.ListenAndServe(ctx, cfg.Server.Port, cfg.Server.ShutdownTimeout)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Database.Type != "cockroach" {
		return fmt.Errorf("nothing to migrate for database type %s", cfg.Database.Type)
	}

	l.LogV("Connecting to database %s with payload: %s", cfg.Database.Name, cfg.Database.DSN())
	db, err := database.ConnectDB(cmd.Context(), cfg.Database.DSN(), cfg.Database.Name)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(cmd.Context()); err != nil {
		return err
	}
	l.Log("Schema of %s is up to date", cfg.Database.Name)
	return nil
}

func runFsck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	docs, err := config.OpenDocumentStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer docs.Close()

	t := tree.New(docs, tree.WithRetry(cfg.Retry))
	nodes, err := t.All(ctx)
	if err != nil {
		return err
	}

	l.Log("Checking %d nodes", len(nodes))
	dots := l.CreateDots(100)
	repairs := 0
	for _, n := range nodes {
		r, err := t.Reconcile(ctx, n.ID)
		repairs += r
		if err != nil {
			l.Err("%s: %v", n.ID, err)
		}
		dots.PrintDots()
	}
	fmt.Println()
	l.Log("%d repairs, %d defects", repairs, l.Defects())
	return nil
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	user, root := uuid.New(), uuid.New()
	if sessionUser != "" {
		if user, err = uuid.Parse(sessionUser); err != nil {
			return fmt.Errorf("--user: %w", err)
		}
	}
	if sessionRoot != "" {
		if root, err = uuid.Parse(sessionRoot); err != nil {
			return fmt.Errorf("--root: %w", err)
		}
	}

	kv, err := config.OpenCache(cmd.Context(), cfg.Cache)
	if err != nil {
		return err
	}
	defer kv.Close()

	token, err := auth.NewSessions(kv, cfg.Sessions.TTL).Store(cmd.Context(), models.Principal{ID: user, RootFolderID: root}, sessionTTL)
	if err != nil {
		return err
	}
	fmt.Printf("user: %s\nroot: %s\n%s=%s\n", user, root, auth.CookieName, token)
	return nil
}
