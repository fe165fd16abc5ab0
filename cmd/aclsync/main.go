package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openacl/aclsync/internal/server"
	"github.com/openacl/aclsync/internal/utils"
	"github.com/openacl/aclsync/internal/version"
)

const configFileName = "config"

var rootCmd = &cobra.Command{
	Use:     "aclsync",
	Short:   "Distributed table ACL cache server",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := viper.GetString("store.path")
		if viper.GetString("store.backend") == "sqlite" && dbPath != "" {
			resolved, err := utils.ResolvePath(dbPath)
			if err != nil {
				return fmt.Errorf("resolve db path %q: %w", dbPath, err)
			}
			dbPath = resolved
		}

		cfg := &server.Config{
			HTTP: server.HTTPConfig{
				Addr:     viper.GetString("addr"),
				CertFile: viper.GetString("cert_file"),
				KeyFile:  viper.GetString("key_file"),
			},
			Store: server.StoreConfig{
				Backend:   viper.GetString("store.backend"),
				Path:      dbPath,
				Bucket:    viper.GetString("store.bucket"),
				Region:    viper.GetString("store.region"),
				Endpoint:  viper.GetString("store.endpoint"),
				AccessKey: viper.GetString("store.access_key"),
				SecretKey: viper.GetString("store.secret_key"),
			},
			ACL: server.ACLConfig{
				Namespace: viper.GetString("acl.namespace"),
				Topic:     viper.GetString("acl.topic"),
			},
			Relay: server.RelayConfig{
				URL: viper.GetString("relay.url"),
			},
		}

		cmd.SilenceUsage = true

		s, err := server.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return s.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("bind", "b", server.DefaultAddr, "Address to bind the server")
	rootCmd.Flags().String("store", "sqlite", "Store backend (sqlite, s3, memory)")
	rootCmd.Flags().String("db", "data/aclsync.db", "Path to the SQLite database")
	rootCmd.Flags().String("relay", "", "Relay URL of a peer server (ws://host:port/v1/events); empty hosts its own relay")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the config file")
}

func main() {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.config/aclsync")
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("addr", cmd.Flags().Lookup("bind"))
	viper.BindPFlag("store.backend", cmd.Flags().Lookup("store"))
	viper.BindPFlag("store.path", cmd.Flags().Lookup("db"))
	viper.BindPFlag("relay.url", cmd.Flags().Lookup("relay"))

	viper.SetEnvPrefix("ACLSYNC")
	viper.AutomaticEnv()

	return nil
}
