package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"linebot/handler"
	"linebot/internal/conversation"
	"linebot/internal/retry"
	"linebot/internal/store"
	"linebot/internal/usecase"
)

// appConfig is everything read from flags and the environment. Configuration
// is read only here.
type appConfig struct {
	StateTable    string
	ParamPrefix   string
	StoreBackend  string
	RedisURL      string
	StateTTL      time.Duration
	QueueTTL      time.Duration
	DrainDelay    time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	ReportGoal    float64
	MediaDir      string
	MediaBaseURL  string
	MediaBucket   string
	MediaPrefix   string
	ListenAddr    string
	NLUEnabled    bool
	OpenAIModel   string

	// Used instead of Parameter Store when PARAM_PREFIX is empty.
	LineAccessToken   string
	LineChannelSecret string
	OpenAIToken       string
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "linebot",
		Short:         "LINE webhook bot for branch sales reports",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file path (optional); flags and environment take precedence.")
	flags.String("state-table", "", "DynamoDB table for state, queue, followers and reports.")
	flags.String("param-prefix", "", "SSM Parameter Store prefix holding the LINE and OpenAI secrets.")
	flags.String("store-backend", "dynamodb", "Ephemeral store backend: dynamodb|redis|memory.")
	flags.String("redis-url", "", "Redis URL when store-backend is redis.")
	flags.Duration("state-ttl", store.DefaultStateTTL, "Idle time after which a conversation is forgotten.")
	flags.Duration("queue-ttl", store.DefaultQueueTTL, "Age after which an undrained event is dropped.")
	flags.Duration("drain-delay", usecase.DefaultDrainDelay, "Delay between the first queued event and the drain.")
	flags.Int("retry-attempts", retry.DefaultAttempts, "Attempts for retried LINE calls.")
	flags.Duration("retry-delay", retry.DefaultDelay, "Pause between retried attempts.")
	flags.Float64("report-goal", conversation.DefaultGoal, "Monthly goal per branch.")
	flags.String("media-dir", os.TempDir()+"/linebot-media", "Directory for archived receipts.")
	flags.String("media-base-url", "", "Public URL stored receipts are served from.")
	flags.String("media-bucket", "", "S3 bucket for archived receipts; required in lambda mode.")
	flags.String("media-prefix", "receipts", "Key prefix inside the media bucket.")
	flags.String("listen-addr", ":8080", "Address for the serve command.")
	flags.Bool("nlu-enabled", true, "Classify free text with OpenAI when no flow applies.")
	flags.String("openai-model", "", "OpenAI model for intent classification.")
	flags.String("log-level", "info", "Logging level: debug|info|warn|error.")
	flags.String("log-format", "text", "Logging format: text|json.")

	_ = v.BindPFlags(flags)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("line-access-token", "LINE_CHANNEL_ACCESS_TOKEN")
	_ = v.BindEnv("line-channel-secret", "LINE_CHANNEL_SECRET")
	_ = v.BindEnv("openai-token", "OPENAI_API_KEY")

	cmd.AddCommand(newServeCmd(v), newLambdaCmd(v), newDrainCmd(v))
	return cmd
}

func loadConfig(v *viper.Viper) (appConfig, *slog.Logger, error) {
	if file := strings.TrimSpace(v.GetString("config")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return appConfig{}, nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	log, err := newLoggerFromConfig(os.Stderr, loggerConfig{
		Level:  v.GetString("log-level"),
		Format: v.GetString("log-format"),
	})
	if err != nil {
		return appConfig{}, nil, err
	}
	slog.SetDefault(log)

	cfg := appConfig{
		StateTable:        strings.TrimSpace(v.GetString("state-table")),
		ParamPrefix:       strings.TrimSpace(v.GetString("param-prefix")),
		StoreBackend:      strings.ToLower(strings.TrimSpace(v.GetString("store-backend"))),
		RedisURL:          strings.TrimSpace(v.GetString("redis-url")),
		StateTTL:          v.GetDuration("state-ttl"),
		QueueTTL:          v.GetDuration("queue-ttl"),
		DrainDelay:        v.GetDuration("drain-delay"),
		RetryAttempts:     v.GetInt("retry-attempts"),
		RetryDelay:        v.GetDuration("retry-delay"),
		ReportGoal:        v.GetFloat64("report-goal"),
		MediaDir:          strings.TrimSpace(v.GetString("media-dir")),
		MediaBaseURL:      strings.TrimSpace(v.GetString("media-base-url")),
		MediaBucket:       strings.TrimSpace(v.GetString("media-bucket")),
		MediaPrefix:       strings.TrimSpace(v.GetString("media-prefix")),
		ListenAddr:        strings.TrimSpace(v.GetString("listen-addr")),
		NLUEnabled:        v.GetBool("nlu-enabled"),
		OpenAIModel:       strings.TrimSpace(v.GetString("openai-model")),
		LineAccessToken:   strings.TrimSpace(v.GetString("line-access-token")),
		LineChannelSecret: strings.TrimSpace(v.GetString("line-channel-secret")),
		OpenAIToken:       strings.TrimSpace(v.GetString("openai-token")),
	}
	if cfg.StateTable == "" {
		return appConfig{}, nil, errors.New("STATE_TABLE is required")
	}
	switch cfg.StoreBackend {
	case "dynamodb", "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return appConfig{}, nil, errors.New("REDIS_URL is required for the redis store backend")
		}
	default:
		return appConfig{}, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return cfg, log, nil
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			a.startSweeper(ctx, time.Minute)

			h, err := handler.NewHandler(a.intake, log)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/webhook", h)
			if a.files != nil {
				mux.Handle("/media/", http.StripPrefix("/media/", a.files.Handler()))
			}
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("listening", "addr", cfg.ListenAddr, "store_backend", cfg.StoreBackend)
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown", "err", err)
			}
			// Run anything still armed so queued events are not left behind.
			if _, err := a.processor.Run(shutdownCtx); err != nil {
				log.Warn("final drain", "err", err)
			}
			return a.guard.Wait(shutdownCtx)
		},
	}
}

func newLambdaCmd(v *viper.Viper) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda function",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			// The function's filesystem does not outlive the container.
			if cfg.MediaBucket == "" {
				return errors.New("MEDIA_BUCKET is required in lambda mode")
			}
			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			switch mode {
			case "webhook":
				h, err := handler.NewHandler(a.intake, log)
				if err != nil {
					return err
				}
				lambda.Start(h.Handle)
			case "drain":
				h, err := handler.NewDrainHandler(a.processor, log)
				if err != nil {
					return err
				}
				lambda.Start(h.Handle)
			default:
				return fmt.Errorf("unknown lambda mode %q", mode)
			}
			return nil
		},
	}
	defaultMode := os.Getenv("LAMBDA_MODE")
	if defaultMode == "" {
		defaultMode = "webhook"
	}
	cmd.Flags().StringVar(&mode, "mode", defaultMode, "Function to run: webhook|drain (env LAMBDA_MODE).")
	return cmd
}

func newDrainCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process every queued event once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.processor.Run(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "drained=%d processed=%d skipped=%d failed=%d\n", res.Drained, res.Processed, res.Skipped, res.Failed)
			return err
		},
	}
}
