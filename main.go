package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	controllerx "github.com/clearhaul/clearhaul/agent/controller"
	dispatchx "github.com/clearhaul/clearhaul/agent/dispatch"
	llmx "github.com/clearhaul/clearhaul/agent/llm"
	notifyx "github.com/clearhaul/clearhaul/agent/notify"
	policyx "github.com/clearhaul/clearhaul/agent/policy"
	quotex "github.com/clearhaul/clearhaul/agent/quote"
	schedulex "github.com/clearhaul/clearhaul/agent/schedule"
	statex "github.com/clearhaul/clearhaul/agent/state"
	configx "github.com/clearhaul/clearhaul/pkg/config"
	_ "github.com/clearhaul/clearhaul/pkg/logger/autoload"
	twiliox "github.com/clearhaul/clearhaul/pkg/twilio"
	webhookx "github.com/clearhaul/clearhaul/webhook"
)

type AppConfig struct {
	ProviderPhone string `envconfig:"PROVIDER_PHONE_NUMBER" required:"true"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"` // empty runs the in-memory slot store
}

func main() {
	ctx := context.Background()

	appCfg := configx.MustNew[AppConfig]("")

	redisCfg := configx.MustNew[statex.RedisConfig]("REDIS")
	store, err := statex.NewRedisStore(*redisCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init session store")
	}

	llmCfg := configx.MustNew[llmx.Config]("LLM")
	agent, err := llmx.NewAgent(ctx, *llmCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init conversation agent")
	}

	twilioCfg := configx.MustNew[twiliox.Config]("TWILIO")
	sms := twiliox.MustNew(*twilioCfg)

	slotStore := newSlotStore(ctx, appCfg.PostgresDSN)
	sched := schedulex.NewEngine(slotStore, schedulex.DefaultConfig(), time.Now)

	dispatcher := dispatchx.New(quotex.DefaultConfig(), sched)

	policyCfg := configx.MustNew[policyx.Config]("POLICY")
	gate := policyx.NewGate(*policyCfg)

	notifier, err := notifyx.NewSMSNotifier(sms, appCfg.ProviderPhone)
	if err != nil {
		log.Fatal().Err(err).Msg("init notifier")
	}
	trigger := notifyx.NewTrigger(notifier, 10*time.Second)

	controller, err := controllerx.New(store, agent, dispatcher, sched, gate, trigger, controllerx.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("init controller")
	}

	serverCfg := configx.MustNew[webhookx.Config]("SERVER")
	server := webhookx.NewServer(controller, sms, *serverCfg)
	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("webhook server stopped")
	}
}

func newSlotStore(ctx context.Context, dsn string) schedulex.SlotStore {
	if dsn == "" {
		log.Warn().Msg("POSTGRES_DSN not set, using in-memory slot store")
		return schedulex.NewMemorySlotStore()
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	slotStore := schedulex.NewBunSlotStore(db)
	if err := slotStore.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("init slot store")
	}
	return slotStore
}
