// Command relay runs one agent run end to end: it wires the provider
// adapter, gateway, stores, memory and engine from a YAML configuration,
// executes the prompt and prints the synthesized answer with its cost.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	anthropicmodel "goa.design/relay/features/model/anthropic"
	modelserve "goa.design/relay/features/model/gateway"
	"goa.design/relay/features/model/middleware"
	openaimodel "goa.design/relay/features/model/openai"
	"goa.design/relay/features/policy/basic"
	mongostore "goa.design/relay/features/store/mongo"
	streampulse "goa.design/relay/features/stream/pulse"
	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/budget"
	"goa.design/relay/runtime/cost"
	costinmem "goa.design/relay/runtime/cost/inmem"
	"goa.design/relay/runtime/engine"
	"goa.design/relay/runtime/events"
	eventsinmem "goa.design/relay/runtime/events/inmem"
	"goa.design/relay/runtime/executor"
	"goa.design/relay/runtime/gateway"
	"goa.design/relay/runtime/memory"
	memoryinmem "goa.design/relay/runtime/memory/inmem"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/pricing"
	"goa.design/relay/runtime/retry"
	"goa.design/relay/runtime/run"
	runinmem "goa.design/relay/runtime/run/inmem"
	"goa.design/relay/runtime/state"
	"goa.design/relay/runtime/task"
	taskinmem "goa.design/relay/runtime/task/inmem"
	"goa.design/relay/runtime/telemetry"
	"goa.design/relay/runtime/token"
)

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"]
}`

func main() {
	var (
		configF  = flag.String("config", "relay.yaml", "Path to the YAML configuration file")
		promptF  = flag.String("prompt", "", "Request to execute (required)")
		sessionF = flag.String("session", "", "Session identifier (defaults to a fresh UUID)")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *promptF == "" {
		log.Fatalf(ctx, errors.New("missing flag"), "usage: relay -prompt <request> [-config relay.yaml]")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := *sessionF
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "startup failed")
	}
	defer app.close(ctx)

	maxDuration, _ := cfg.MaxDuration()
	log.Print(ctx, log.KV{K: "msg", V: "run starting"},
		log.KV{K: "session_id", V: sessionID},
		log.KV{K: "provider", V: cfg.Provider.Name},
		log.KV{K: "model", V: cfg.Provider.Model})

	res, err := app.engine.Run(ctx, engine.RunInput{
		SessionID:   sessionID,
		AgentType:   cfg.AgentType,
		Prompt:      *promptF,
		MaxDuration: maxDuration,
	})
	if err != nil {
		log.Fatalf(ctx, err, "run failed")
	}

	fmt.Println("Run:", res.RunID)
	fmt.Println("Status:", res.Status, "("+res.StopReason+")")
	if res.Output != nil {
		fmt.Println()
		fmt.Println(res.Output.Content)
	}
	if summary, serr := app.ledger.Aggregate(ctx, res.RunID); serr == nil {
		fmt.Println()
		fmt.Printf("Tokens: %d  Cost: $%.4f (%d model calls)\n",
			summary.TotalTokens, summary.TotalCostUSD, summary.EventCount)
	}
}

// app holds the wired runtime and everything that needs closing.
type app struct {
	engine *engine.Engine
	ledger *cost.Ledger

	mongo *mongodriver.Client
	redis *redis.Client
}

func (a *app) close(ctx context.Context) {
	if err := a.engine.Close(ctx); err != nil {
		log.Errorf(ctx, err, "engine close")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Errorf(ctx, err, "redis close")
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			log.Errorf(ctx, err, "mongo disconnect")
		}
	}
}

// buildApp assembles the full runtime from configuration: provider adapter
// behind the gateway, durable or in-memory stores, memory coordination,
// plan admission and the engine.
func buildApp(ctx context.Context, cfg *Config) (*app, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	client, err := buildProvider(ctx, cfg.Provider)
	if err != nil {
		return nil, err
	}

	// Serve the provider through the model gateway so every call the engine
	// makes passes the observability middleware chain.
	served, err := modelserve.NewServer(
		modelserve.WithProvider(client),
		modelserve.WithUnary(modelserve.Observe(logger, metrics)),
		modelserve.WithStream(modelserve.ObserveStream(logger, metrics)),
	)
	if err != nil {
		return nil, err
	}
	client = served.Client()

	estimator, err := token.NewEstimator(0)
	if err != nil {
		return nil, err
	}

	registry := map[string]pricing.Rate{}
	if cfg.PricingTable != "" {
		if registry, err = pricing.LoadTableFile(cfg.PricingTable); err != nil {
			return nil, err
		}
	}
	resolver, err := pricing.NewResolver(pricing.Options{Registry: registry})
	if err != nil {
		return nil, err
	}

	a := &app{}
	stores, err := buildStores(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	ledger, err := cost.NewLedger(cost.LedgerOptions{
		Store:   stores.cost,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	a.ledger = ledger

	budgetPolicy, err := budget.NewPolicy(budget.Options{
		Limits:   cfg.Budget,
		Ledger:   ledger,
		Resolver: resolver,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}

	selection := gateway.Selection{Provider: cfg.Provider.Name, Model: cfg.Provider.Model}
	capabilities := gateway.NewStaticCapabilities()
	capabilities.Register(cfg.Provider.Name, gateway.Capabilities{Streaming: true, StructuredOutput: true})

	gw, err := gateway.New(gateway.Options{
		Client:       client,
		Capabilities: capabilities,
		Budget:       budgetPolicy,
		Ledger:       ledger,
		Resolver:     resolver,
		Estimator:    estimator,
		Default:      selection,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, err
	}

	memoryPolicy, err := memory.NewPolicy(estimator, 0)
	if err != nil {
		return nil, err
	}
	summarizer, err := memory.NewGatewaySummarizer(gw, selection, 0)
	if err != nil {
		return nil, err
	}
	coordinator, err := memory.NewCoordinator(memory.CoordinatorOptions{
		RunStore:           stores.memoryRun,
		SessionStore:       stores.memorySession,
		Estimator:          estimator,
		Policy:             memoryPolicy,
		Summarizer:         summarizer,
		ContextTokenBudget: cfg.Memory.ContextTokenBudget,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	builder, err := agent.NewStaticBuilder(cfg.SystemPrompt, estimator)
	if err != nil {
		return nil, err
	}

	local := executor.NewLocal(executor.LocalOptions{Logger: logger, Metrics: metrics})
	if err := local.RegisterTool("echo", []byte(echoSchema), echoTool); err != nil {
		return nil, err
	}
	router, err := executor.NewRouter(local)
	if err != nil {
		return nil, err
	}

	modelAgent, err := agent.NewModelAgent(agent.ModelAgentOptions{
		AgentType:   cfg.AgentType,
		Gateway:     gw,
		Router:      router,
		Memory:      coordinator,
		Builder:     builder,
		Default:     selection,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	manager, err := state.NewManager(state.Options{
		Runs:   stores.runs,
		Tasks:  stores.tasks,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	retryPolicy, err := retry.NewPolicy(retry.Options{})
	if err != nil {
		return nil, err
	}

	maxDuration, err := cfg.MaxDuration()
	if err != nil {
		return nil, err
	}
	opts := engine.Options{
		State:   manager,
		Agent:   modelAgent,
		Retry:   retryPolicy,
		Journal: stores.journal,
		Memory:  coordinator,
		Ledger:  ledger,
		Limits: engine.Limits{
			MaxDuration: maxDuration,
			MaxErrors:   cfg.Limits.MaxErrors,
			MaxSteps:    cfg.Limits.MaxSteps,
		},
		Logger:  logger,
		Metrics: metrics,
	}

	if cfg.hasAdmission() {
		admission, aerr := basic.New(basic.Options{
			AllowTypes:     cfg.Policy.AllowTypes,
			BlockTypes:     cfg.Policy.BlockTypes,
			AllowExecutors: cfg.Policy.AllowExecutors,
			BlockExecutors: cfg.Policy.BlockExecutors,
			MaxTasks:       cfg.Policy.MaxTasks,
		})
		if aerr != nil {
			return nil, aerr
		}
		opts.Admission = admission.Admission()
	}

	if cfg.Redis.Addr != "" {
		sink, serr := buildSink(cfg.Redis, a)
		if serr != nil {
			return nil, serr
		}
		opts.Sink = sink
	}

	eng, err := engine.NewEngine(opts)
	if err != nil {
		return nil, err
	}
	a.engine = eng
	return a, nil
}

// buildProvider constructs the configured model adapter, optionally wrapped
// by the adaptive rate limiter.
func buildProvider(ctx context.Context, cfg ProviderConfig) (model.Client, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	var (
		client model.Client
		err    error
	)
	switch cfg.Name {
	case anthropicmodel.ProviderName:
		client, err = anthropicmodel.NewFromAPIKey(apiKey, anthropicmodel.Options{
			MaxTokens:   cfg.MaxTokens,
			Temperature: float64(cfg.Temperature),
		})
	case openaimodel.ProviderName:
		client, err = openaimodel.NewFromAPIKey(apiKey, openaimodel.Options{
			Temperature: cfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q (expected %q or %q)",
			cfg.Name, anthropicmodel.ProviderName, openaimodel.ProviderName)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RateLimitTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", cfg.RateLimitTPM, cfg.RateLimitMaxTPM)
		client = limiter.Middleware()(client)
	}
	return client, nil
}

// runtimeStores carries the persistence ports the runtime needs, either
// Mongo backed or in memory.
type runtimeStores struct {
	runs          run.Store
	tasks         task.Store
	cost          cost.Store
	memoryRun     memory.Store
	memorySession memory.SessionStore
	journal       events.Journal
}

// buildStores selects Mongo persistence when configured and falls back to
// the in-memory stores otherwise.
func buildStores(ctx context.Context, cfg *Config, a *app) (*runtimeStores, error) {
	if cfg.Mongo.URI == "" {
		return &runtimeStores{
			runs:          runinmem.New(),
			tasks:         taskinmem.New(),
			cost:          costinmem.New(),
			memoryRun:     memoryinmem.New(),
			memorySession: memoryinmem.NewSession(),
			journal:       eventsinmem.New(),
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	driver, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	a.mongo = driver

	client, err := mongostore.NewClient(mongostore.Options{Client: driver, Database: cfg.Mongo.Database})
	if err != nil {
		return nil, err
	}
	runs, err := mongostore.NewRunStore(client, mongostore.RunStoreOptions{})
	if err != nil {
		return nil, err
	}
	tasks, err := mongostore.NewTaskStore(client, mongostore.TaskStoreOptions{})
	if err != nil {
		return nil, err
	}
	costs, err := mongostore.NewCostStore(client, mongostore.CostStoreOptions{})
	if err != nil {
		return nil, err
	}
	memRun, memSession, err := mongostore.NewMemoryStores(client, mongostore.MemoryStoreOptions{})
	if err != nil {
		return nil, err
	}
	journal, err := mongostore.NewJournal(client, mongostore.JournalOptions{})
	if err != nil {
		return nil, err
	}
	return &runtimeStores{
		runs:          runs,
		tasks:         tasks,
		cost:          costs,
		memoryRun:     memRun,
		memorySession: memSession,
		journal:       journal,
	}, nil
}

// buildSink connects Redis and wraps it in the Pulse event sink.
func buildSink(cfg RedisConfig, a *app) (events.Sink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	a.redis = rdb
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return nil, err
	}
	streams, err := streampulse.NewStreams(streampulse.StreamsOptions{Client: pc})
	if err != nil {
		return nil, err
	}
	return streams.Sink(), nil
}

func echoTool(_ context.Context, input map[string]any) (any, error) {
	return input["text"], nil
}
