package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"linebot/internal/conversation"
	"linebot/internal/integrations/line"
	"linebot/internal/integrations/openai"
	"linebot/internal/integrations/paramstore"
	"linebot/internal/media"
	"linebot/internal/repository"
	"linebot/internal/retry"
	"linebot/internal/scheduler"
	"linebot/internal/store"
	"linebot/internal/store/memory"
	"linebot/internal/store/redisstore"
	"linebot/internal/usecase"
)

type app struct {
	intake    *usecase.IntakeService
	processor *usecase.Processor
	guard     *scheduler.Guard
	files     *media.FileStore
	memory    *memory.Store
	closers   []func() error
	log       *slog.Logger
}

type secrets struct {
	lineToken  *paramstore.SecretRef
	lineSecret *paramstore.SecretRef
	openai     *paramstore.SecretRef
}

func buildApp(ctx context.Context, cfg appConfig, log *slog.Logger) (*app, error) {
	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// ---- Secrets ----
	sec, err := loadSecrets(cfg, awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}

	// ---- Persistence ----
	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable,
		repository.WithQueueTTL(cfg.QueueTTL),
		repository.WithStateTTL(cfg.StateTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	a := &app{log: log}
	backend, err := a.backend(ctx, cfg, repo)
	if err != nil {
		return nil, err
	}

	// ---- Clients ----
	lineClient, err := line.NewClient(sec.lineToken)
	if err != nil {
		return nil, fmt.Errorf("create LINE client: %w", err)
	}
	putter, err := a.mediaStore(cfg, awss3.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	archiver, err := media.NewArchiver(lineClient, putter)
	if err != nil {
		return nil, err
	}

	// ---- Services ----
	policy := retry.Policy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay, Logger: log}
	archivePolicy := policy
	archivePolicy.Name = "media.archive"
	engine, err := conversation.New(backend, archiver, repo,
		conversation.WithGoal(cfg.ReportGoal),
		conversation.WithRetry(archivePolicy),
		conversation.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation engine: %w", err)
	}

	a.guard, err = scheduler.New(backend, scheduler.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	a.processor, err = usecase.NewProcessor(backend, repo, repo, lineClient, a.guard, usecase.WithProcessorLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}
	a.guard.Register(usecase.DrainTask, a.processor.Task())

	readPolicy := policy
	readPolicy.Name = "line.mark_as_read"
	opts := []usecase.IntakeOption{
		usecase.WithDrainDelay(cfg.DrainDelay),
		usecase.WithMarkReadRetry(readPolicy),
		usecase.WithIntakeLogger(log),
	}
	if cfg.NLUEnabled {
		var openaiOpts []openai.Option
		if cfg.OpenAIModel != "" {
			openaiOpts = append(openaiOpts, openai.WithModel(cfg.OpenAIModel))
		}
		nlu, err := openai.NewClient(sec.openai, openaiOpts...)
		if err != nil {
			return nil, fmt.Errorf("create OpenAI client: %w", err)
		}
		opts = append(opts, usecase.WithClassifier(nlu))
	}
	a.intake, err = usecase.NewIntakeService(sec.lineSecret, lineClient, engine, backend, a.guard, opts...)
	if err != nil {
		return nil, fmt.Errorf("create intake service: %w", err)
	}
	return a, nil
}

// backend picks where the queue, conversation state and scheduler leases live.
func (a *app) backend(ctx context.Context, cfg appConfig, repo *repository.Client) (store.Backend, error) {
	switch cfg.StoreBackend {
	case "redis":
		rs, err := redisstore.Dial(ctx, cfg.RedisURL,
			redisstore.WithQueueTTL(cfg.QueueTTL),
			redisstore.WithStateTTL(cfg.StateTTL),
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	case "memory":
		a.memory = memory.New(memory.WithQueueTTL(cfg.QueueTTL), memory.WithStateTTL(cfg.StateTTL))
		a.log.Warn("using in-memory store; state is lost on restart and not shared between processes")
		return a.memory, nil
	default:
		return repo, nil
	}
}

// mediaStore keeps receipts in S3 when a bucket is configured and on the
// local filesystem otherwise.
func (a *app) mediaStore(cfg appConfig, s3Client *awss3.Client) (media.Putter, error) {
	if cfg.MediaBucket != "" {
		s3Store, err := media.NewS3Store(s3Client, cfg.MediaBucket, cfg.MediaPrefix, cfg.MediaBaseURL)
		if err != nil {
			return nil, err
		}
		return s3Store, nil
	}
	files, err := media.NewFileStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		return nil, err
	}
	a.files = files
	return files, nil
}

func loadSecrets(cfg appConfig, ssm *awsssm.Client) (secrets, error) {
	if cfg.ParamPrefix == "" {
		if cfg.LineAccessToken == "" || cfg.LineChannelSecret == "" {
			return secrets{}, errors.New("PARAM_PREFIX or LINE_CHANNEL_ACCESS_TOKEN and LINE_CHANNEL_SECRET are required")
		}
		if cfg.NLUEnabled && cfg.OpenAIToken == "" {
			return secrets{}, errors.New("OPENAI_API_KEY is required when NLU is enabled without PARAM_PREFIX")
		}
		return secrets{
			lineToken:  paramstore.Static(cfg.LineAccessToken),
			lineSecret: paramstore.Static(cfg.LineChannelSecret),
			openai:     paramstore.Static(cfg.OpenAIToken),
		}, nil
	}
	pc, err := paramstore.New(ssm)
	if err != nil {
		return secrets{}, fmt.Errorf("create SSM client: %w", err)
	}
	return secrets{
		lineToken:  paramstore.NewSecretRef(pc, paramstore.Name(cfg.ParamPrefix, paramstore.LineAccessToken)),
		lineSecret: paramstore.NewSecretRef(pc, paramstore.Name(cfg.ParamPrefix, paramstore.LineChannelSecret)),
		openai:     paramstore.NewSecretRef(pc, paramstore.Name(cfg.ParamPrefix, paramstore.OpenAIToken)),
	}, nil
}

// startSweeper evicts expired in-memory entries. Other backends expire on
// their own.
func (a *app) startSweeper(ctx context.Context, every time.Duration) {
	if a.memory == nil {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := a.memory.Sweep(); n > 0 {
					a.log.Debug("swept expired entries", "count", n)
				}
			}
		}
	}()
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("close", "err", err)
		}
	}
}
