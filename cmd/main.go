package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/otel"

	"tablechat/handler"
	"tablechat/internal/config"
	"tablechat/internal/delivery"
	"tablechat/internal/guard"
	"tablechat/internal/integrations/paramstore"
	"tablechat/internal/integrations/whatsapp"
	"tablechat/internal/kvstore"
	"tablechat/internal/metrics"
	"tablechat/internal/quota"
	"tablechat/internal/repository"
	"tablechat/internal/session"
	"tablechat/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal(log, "failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal(log, "failed to create SSM client", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.AdjustmentsTable)
	if err != nil {
		fatal(log, "failed to create state client", err)
	}
	redisClient, kv, err := kvstore.Dial(cfg.RedisURL, cfg.StoreTimeout)
	if err != nil {
		fatal(log, "failed to create redis client", err)
	}
	defer redisClient.Close()

	waClient, err := whatsapp.NewClient(ssmClient, cfg.ParamPrefix,
		whatsapp.WithBaseURL(cfg.WhatsApp.BaseURL),
		whatsapp.WithAPIVersion(cfg.WhatsApp.APIVersion),
	)
	if err != nil {
		fatal(log, "failed to create WhatsApp client", err)
	}

	collector, err := metrics.NewOTel(otel.GetMeterProvider())
	if err != nil {
		fatal(log, "failed to create metrics", err)
	}

	// ---- Components ----
	rates, err := cfg.Rates()
	if err != nil {
		fatal(log, "invalid rate limits", err)
	}
	inboundGuard, err := guard.New(kv, guard.Config{
		ProcessedTTL: cfg.IdempotencyTTL,
		LockTTL:      cfg.LockTTL,
		Rates:        rates,
	}, log, collector)
	if err != nil {
		fatal(log, "failed to create guard", err)
	}

	tracker, err := session.NewTracker(stateClient, 0, log, collector)
	if err != nil {
		fatal(log, "failed to create session tracker", err)
	}

	ledger, err := quota.NewLedger(stateClient, quota.Config{
		DefaultPlan:    cfg.DefaultPlan,
		NearLimitRatio: cfg.NearLimitRatio,
	}, log, collector)
	if err != nil {
		fatal(log, "failed to create quota ledger", err)
	}

	engine, err := delivery.NewEngine(stateClient, waClient, waClient, tracker, delivery.Config{
		GenericTemplate: cfg.WhatsApp.GenericTemplate,
		Language:        cfg.WhatsApp.TemplateLanguage,
		DeferredTTL:     cfg.DeferredTTL,
	}, log, collector)
	if err != nil {
		fatal(log, "failed to create delivery engine", err)
	}

	// ---- Handler ----
	messaging, err := usecase.NewMessagingService(tracker, ledger, engine, inboundGuard, stateClient, log)
	if err != nil {
		fatal(log, "failed to create messaging service", err)
	}

	h, err := handler.NewHandler(messaging, log)
	if err != nil {
		fatal(log, "failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
