package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"commodity-premium-alerts/internal/alerting"
	"commodity-premium-alerts/internal/alertstate"
	"commodity-premium-alerts/internal/api"
	"commodity-premium-alerts/internal/config"
	"commodity-premium-alerts/internal/convert"
	"commodity-premium-alerts/internal/fetcher"
	"commodity-premium-alerts/internal/fxrate"
	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/premium"
	"commodity-premium-alerts/internal/scheduler"
	"commodity-premium-alerts/internal/service"
	"commodity-premium-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; nil means stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds everything one command invocation builds from configuration.
type runtime struct {
	repo      storage.Repository
	state     alertstate.Store
	redis     *redis.Client
	registry  *market.Registry
	fetcher   *fetcher.Fetcher
	fx        *fxrate.Provider
	evaluator *alerting.Evaluator
	notifier  *alerting.Multi
	service   *service.Service
}

func (r *runtime) Close() {
	if r.repo != nil {
		_ = r.repo.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

func (a *App) openStore(ctx context.Context) (storage.Repository, error) {
	repo, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	return repo, nil
}

func (a *App) newState(ctx context.Context) (alertstate.Store, *redis.Client, error) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		return alertstate.NewMemory(), nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return alertstate.NewRedis(client, cfg.Prefix), client, nil
}

// newProviders builds the enabled providers keyed by name.
func (a *App) newProviders() map[string]fetcher.Provider {
	cfg := a.Config
	out := make(map[string]fetcher.Provider, 3)
	if cfg.Providers.Sina.Enabled {
		out["sina"] = fetcher.NewSina(fetcher.SinaOptions{
			BaseURL:   cfg.Providers.Sina.BaseURL,
			Referer:   cfg.Providers.Sina.Referer,
			UserAgent: cfg.Fetcher.UserAgent,
			Timeout:   cfg.Fetcher.Timeout,
			Codes:     config.CodeMap(cfg.Providers.Sina.Codes),
			Fields:    cfg.Providers.Sina.Fields,
		})
	}
	if cfg.Providers.Yahoo.Enabled {
		out["yahoo"] = fetcher.NewYahoo(fetcher.YahooOptions{
			BaseURL:     cfg.Providers.Yahoo.BaseURL,
			UserAgent:   cfg.Fetcher.UserAgent,
			Timeout:     cfg.Fetcher.Timeout,
			Concurrency: cfg.Fetcher.Concurrency,
			Tickers:     config.CodeMap(cfg.Providers.Yahoo.Tickers),
		})
	}
	if cfg.Providers.Chainlink.Enabled {
		out["chainlink"] = fetcher.NewChainlink(fetcher.ChainlinkOptions{
			RPCURL:  cfg.Providers.Chainlink.RPCURL,
			Timeout: cfg.Fetcher.Timeout,
			Feeds:   config.CodeMap(cfg.Providers.Chainlink.Feeds),
			MaxAge:  cfg.Providers.Chainlink.MaxAge,
		}, a.Logger)
	}
	return out
}

// barProviders picks the providers that also serve daily bars.
func barProviders(all map[string]fetcher.Provider, names []string) []fetcher.BarProvider {
	var out []fetcher.BarProvider
	for _, p := range ordered(all, names) {
		if bp, ok := p.(fetcher.BarProvider); ok {
			out = append(out, bp)
		}
	}
	return out
}

// ordered picks providers by name in the given priority, skipping disabled ones.
func ordered(all map[string]fetcher.Provider, names []string) []fetcher.Provider {
	out := make([]fetcher.Provider, 0, len(names))
	for _, name := range names {
		if p, ok := all[strings.ToLower(strings.TrimSpace(name))]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (a *App) newNotifier() *alerting.Multi {
	cfg := a.Config.Alerting
	var channels []alerting.Channel
	for _, name := range cfg.Channels {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			channels = append(channels, alerting.Channel{Name: "log", Notifier: alerting.NewLogNotifier(a.Logger)})
		case "onebot", "qq":
			if !cfg.OneBot.Enabled {
				a.Logger.Warn().Msg("onebot channel listed but not enabled")
				continue
			}
			channels = append(channels, alerting.Channel{Name: "onebot", Notifier: alerting.NewOneBotNotifier(alerting.OneBotOptions{
				URL:     cfg.OneBot.URL,
				Token:   cfg.OneBot.Token,
				GroupID: cfg.OneBot.GroupID,
				AtUser:  cfg.OneBot.AtUser,
				Timeout: cfg.SendTimeout,
			}, a.Logger)})
		case "telegram":
			if !cfg.Telegram.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but not enabled")
				continue
			}
			tg := cfg.Telegram
			channels = append(channels, alerting.Channel{
				Name:     "telegram",
				Notifier: alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, cfg.SendTimeout, a.Logger),
			})
		default:
			a.Logger.Warn().Str("channel", name).Msg("unknown alert channel ignored")
		}
	}
	return alerting.NewMulti(a.Logger, channels...)
}

func (a *App) build(ctx context.Context) (*runtime, error) {
	cfg := a.Config
	rt := &runtime{}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	rt.registry = registry

	if rt.repo, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if rt.state, rt.redis, err = a.newState(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	backoff := fetcher.Backoff{Attempts: cfg.Fetcher.Attempts, BaseDelay: cfg.Fetcher.BaseDelay}
	providers := a.newProviders()
	rt.fetcher = fetcher.New(ordered(providers, cfg.Fetcher.Providers), registry, rt.state, backoff, a.Logger)
	rt.fx = fxrate.New(rt.repo, ordered(providers, cfg.FX.Providers), backoff, fxrate.Options{
		Pair:          cfg.FX.Pair,
		TTL:           cfg.FX.TTL,
		DefaultRate:   decimal.NewFromFloat(cfg.FX.DefaultRate),
		InvertSources: cfg.FX.InvertSources,
		Failures:      rt.state,
	}, a.Logger)

	calculator := premium.NewCalculator(convert.New(registry.Strategies()), cfg.PremiumPairs, cfg.Ratios)
	rt.evaluator = alerting.NewEvaluator(alerting.PolicyFromConfig(cfg.Alerting, cfg.Location()), rt.state, a.Logger)
	rt.notifier = a.newNotifier()

	rt.service = service.New(cfg, service.Deps{
		Registry:   registry,
		Fetcher:    rt.fetcher,
		FX:         rt.fx,
		Calculator: calculator,
		Evaluator:  rt.evaluator,
		Notifier:   rt.notifier,
		Store:      rt.repo,
		Failures:   rt.state,
		Bars:       barProviders(providers, cfg.Bars.Providers),
	}, a.Logger)
	return rt, nil
}

// jobTicks maps job names to pipeline entry points.
func jobTicks(svc *service.Service) map[string]scheduler.TickFunc {
	wrap := func(fn func(context.Context) service.Status) scheduler.TickFunc {
		return func(ctx context.Context) error { return fn(ctx).Err }
	}
	return map[string]scheduler.TickFunc{
		config.JobFetchDomestic:      wrap(svc.FetchDomestic),
		config.JobFetchInternational: wrap(svc.FetchInternational),
		config.JobRefreshFX:          wrap(svc.RefreshFXRate),
		config.JobCompute:            wrap(svc.ComputeAndEvaluate),
		config.JobBriefing:           wrap(svc.SendDigest),
		config.JobDailyBars:          wrap(svc.CollectDailyBars),
	}
}

func (a *App) newScheduler(svc *service.Service) (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.Options{
		Location:     a.Config.Location(),
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	ticks := jobTicks(svc)
	for _, name := range []string{config.JobFetchDomestic, config.JobFetchInternational, config.JobRefreshFX, config.JobCompute, config.JobBriefing, config.JobDailyBars} {
		jobCfg, ok := a.Config.Scheduler.Jobs[name]
		if !ok || !jobCfg.Enabled {
			a.Logger.Info().Str("job", name).Msg("job disabled")
			continue
		}
		job, err := scheduler.JobFromConfig(name, jobCfg, ticks[name])
		if err != nil {
			return nil, err
		}
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}
	for name := range a.Config.Scheduler.Jobs {
		if _, ok := ticks[name]; !ok {
			a.Logger.Warn().Str("job", name).Msg("unknown job in configuration ignored")
		}
	}
	return sched, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := a.newScheduler(rt.service)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Strs("jobs", sched.Jobs()).
		Strs("providers", rt.fetcher.Providers()).
		Strs("channels", rt.notifier.Channels()).
		Msg("starting monitoring service")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	if a.Config.API.Enabled {
		router := api.NewRouter(rt.service, a.Config.API.Mode, a.Logger)
		g.Go(func() error { return api.Serve(ctx, a.Config.API.Addr, router, a.Logger) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Migrate applies the schema of the configured backend.
func (a *App) Migrate(ctx context.Context) error {
	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("migrations applied")
	return nil
}
