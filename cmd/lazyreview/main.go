package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nitro/lazyreview/internal"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "lazyreview",
		Short:        "Review engine for tutoring submissions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	root.AddCommand(newServeCommand(&envFile), newFeedbackCommand(&envFile))
	return root
}

func newServeCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the review HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := readConfig(*envFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			waitHandlerAsyncError, waitHandler := wait(logger)
			client := newClient(cfg, logger)
			client.AsyncErrorHandler = waitHandlerAsyncError
			if err := client.Init(); err != nil {
				logger.Fatal().Err(err).Msg("Fail to initialize the client")
			}
			client.Start()

			exitStatus := waitHandler()
			ctx, ctxCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := client.Stop(ctx); err != nil {
				ctxCancel()
				logger.Fatal().Err(err).Msg("Fail to stop the client")
			}
			ctxCancel()
			os.Exit(exitStatus)
			return nil
		},
	}
}

func newFeedbackCommand(envFile *string) *cobra.Command {
	var (
		credential string
		resourceID int
	)
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Print the latest feedback document stored for a resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if resourceID <= 0 {
				return errors.New("flag 'resource' must be a positive id")
			}
			cfg, err := readConfig(*envFile)
			if err != nil {
				return err
			}
			if credential == "" {
				credential = os.Getenv(envPrefix + "_CREDENTIAL")
			}

			client := newClient(cfg, newLogger(cfg.LogLevel))
			if err := client.InitBackend(); err != nil {
				return fmt.Errorf("fail to initialize the client: %w", err)
			}
			doc, err := client.FetchFeedback(cmd.Context(), credential, resourceID)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(doc)
		},
	}
	cmd.Flags().IntVarP(&resourceID, "resource", "r", 0, "Resource id")
	cmd.Flags().StringVarP(
		&credential, "credential", "c", "", "Bearer credential (default: $"+envPrefix+"_CREDENTIAL)",
	)
	return cmd
}

func readConfig(envFile string) (config, error) {
	v, err := loadConfig(envFile)
	if err != nil {
		return config{}, err
	}
	return parseConfig(v)
}

func newLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Caller().Logger().Level(logLevel)
}

func newClient(cfg config, logger zerolog.Logger) *internal.Client {
	return &internal.Client{
		Logger:              logger,
		Addr:                cfg.Addr,
		BackendURL:          cfg.BackendURL,
		PublicHosts:         cfg.PublicHosts,
		URLSigningSecret:    cfg.URLSigningSecret,
		EnableDatadog:       cfg.EnableDatadog,
		StorageBucketRegion: cfg.StorageBucketRegion,
		HitRadius:           cfg.HitRadius,
		StatusAttempts:      cfg.StatusAttempts,
		StatusRetryDelay:    cfg.StatusRetryDelay,
		PollAttempts:        cfg.PollAttempts,
		PollDelay:           cfg.PollDelay,
		FetchAttempts:       cfg.FetchAttempts,
		FetchRetryDelay:     cfg.FetchRetryDelay,
		RedisURL:            cfg.RedisURL,
		RedisUsername:       cfg.RedisUsername,
		RedisPassword:       cfg.RedisPassword,
		RedisTLS:            cfg.RedisTLS,
		DraftTTL:            cfg.DraftTTL,
		DraftSecret:         cfg.DraftSecret,
		SendgridAPIKey:      cfg.SendgridAPIKey,
		MailFromEmail:       cfg.MailFromEmail,
		MailFromName:        cfg.MailFromName,
	}
}

func wait(logger zerolog.Logger) (func(error), func() int) {
	signalChan := make(chan os.Signal, 2)
	var exitStatus int32
	asyncError := func(err error) {
		logger.Error().Err(err).Msg("Async error happened")
		signalChan <- os.Interrupt
		atomic.AddInt32(&exitStatus, 1)
	}
	handler := func() int {
		signal.Notify(signalChan, os.Interrupt)
		<-signalChan
		return (int)(atomic.LoadInt32(&exitStatus))
	}
	return asyncError, handler
}
