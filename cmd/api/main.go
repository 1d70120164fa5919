package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PortNumber53/crosspost/internal/config"
	"github.com/PortNumber53/crosspost/internal/handlers"
	"github.com/PortNumber53/crosspost/internal/lease"
	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/PortNumber53/crosspost/internal/middleware"
	"github.com/PortNumber53/crosspost/internal/publish"
	"github.com/PortNumber53/crosspost/internal/realtime"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/PortNumber53/crosspost/internal/store/mongostore"
	"github.com/PortNumber53/crosspost/internal/store/postgres"
	"github.com/PortNumber53/crosspost/internal/tiktok"
	"github.com/PortNumber53/crosspost/internal/tokencrypt"
	"github.com/PortNumber53/crosspost/internal/workers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(defaultDeps()); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

// stores is the persistence the server runs on plus its cleanup.
type stores struct {
	schedules store.Schedules
	accounts  store.Accounts
	close     func()
}

type deps struct {
	loadConfig     func() (*config.Config, error)
	openStores     func(ctx context.Context, cfg *config.Config, l *log.Entry) (*stores, error)
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		loadConfig:     func() (*config.Config, error) { return config.Load() },
		openStores:     openStores,
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func openStores(ctx context.Context, cfg *config.Config, l *log.Entry) (*stores, error) {
	switch cfg.Store.Driver {
	case "mongo":
		client, db, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		l.WithField("database", cfg.Mongo.Database).Info("mongo store ready")
		return &stores{
			schedules: mongostore.NewSchedules(db),
			accounts:  mongostore.NewAccounts(db),
			close:     func() { _ = client.Disconnect(context.Background()) },
		}, nil
	default:
		db, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := postgres.MigrateUp(db, cfg.Database.MigrationsURL); err != nil {
			_ = db.Close()
			return nil, err
		}
		l.Info("database is up-to-date")
		return &stores{
			schedules: postgres.NewSchedules(db),
			accounts:  postgres.NewAccounts(db),
			close:     func() { _ = db.Close() },
		}, nil
	}
}

// sweepLease returns the Redis lease when REDIS_ADDR is set.
func sweepLease(cfg *config.Config) (lease.Lease, func()) {
	if cfg.Redis.Addr == "" {
		return lease.Noop{}, func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	return lease.NewRedis(rdb), func() { _ = rdb.Close() }
}

func buildRouter(h *handlers.Handler, l *log.Entry) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(l))
	handlers.RegisterRoutes(h, r)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func run(d deps) error {
	if d.loadConfig == nil || d.openStores == nil || d.listenAndServe == nil {
		return errors.New("missing dependencies")
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	base := logger.New(cfg.Log.Level, cfg.Log.Format, nil)
	l := logger.Component(base, "server")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := d.openStores(rootCtx, cfg, l)
	if err != nil {
		return err
	}
	defer st.close()

	cipher, err := tokencrypt.NewAgeCipher(cfg.Token.EncryptionKey)
	if err != nil {
		return fmt.Errorf("token encryption: %w", err)
	}
	signer, err := tiktok.NewStateSigner(cfg.State.SigningKey, cfg.State.TTL)
	if err != nil {
		return err
	}
	tt := tiktok.New(tiktok.Options{
		ClientKey:    cfg.TikTok.ClientKey,
		ClientSecret: cfg.TikTok.ClientSecret,
		RedirectURL:  cfg.TikTok.RedirectURL,
		APIBaseURL:   cfg.TikTok.APIBaseURL,
		AuthURL:      cfg.TikTok.AuthURL,
		DefaultMode:  cfg.TikTok.PostMode,
		PollAttempts: cfg.TikTok.PollAttempts,
		PollInterval: cfg.TikTok.PollInterval,
		RPS:          cfg.TikTok.RPS,
		Burst:        cfg.TikTok.Burst,
		Timeout:      cfg.TikTok.Timeout,
		Logger:       logger.Component(base, "tiktok"),
	})

	hub := realtime.NewHub(logger.Component(base, "realtime"))
	svc := publish.NewService(publish.Deps{
		Schedules: st.schedules,
		Accounts:  st.accounts,
		Platform:  tt,
		Cipher:    cipher,
		Events:    hub,
		Logger:    logger.Component(base, "publish_now"),
	})
	reconciler := publish.NewReconciler(st.schedules, st.accounts, hub, logger.Component(base, "tiktok_webhook"),
		publish.ReconcilerOptions{
			StrictOrdering: cfg.Reconcile.StrictOrdering,
			LooseMatch:     cfg.Reconcile.LooseMatch,
		})

	ls, closeLease := sweepLease(cfg)
	defer closeLease()
	sweeper := &workers.PublishSweeper{
		Schedules:   st.schedules,
		Publisher:   publish.NewNowClient(cfg.SelfOrigin(), cfg.InternalSecret, cfg.Sweep.CallTimeout),
		Lease:       ls,
		Events:      hub,
		Log:         logger.Component(base, "scheduled_posts"),
		BatchSize:   cfg.Sweep.BatchSize,
		CallTimeout: cfg.Sweep.CallTimeout,
		LeaseTTL:    cfg.Sweep.LeaseTTL,
	}
	reaper := &workers.StaleClaimReaper{
		Schedules: st.schedules,
		Events:    hub,
		Log:       logger.Component(base, "stale_claims"),
		After:     cfg.StaleClaim.After,
		Interval:  cfg.StaleClaim.Interval,
	}

	webhookSecret := ""
	if cfg.TikTok.WebhookVerify {
		webhookSecret = cfg.TikTok.ClientSecret
	}
	h := handlers.New(handlers.Deps{
		Schedules:      st.schedules,
		Accounts:       st.accounts,
		Publisher:      svc,
		Reconciler:     reconciler,
		Sweeper:        sweeper,
		OAuth:          tt,
		State:          signer,
		Cipher:         cipher,
		Events:         hub,
		Realtime:       hub,
		Logger:         base,
		InternalSecret: cfg.InternalSecret,
		WebhookSecret:  webhookSecret,
	})

	srv := &http.Server{
		Handler:           buildRouter(h, logger.Component(base, "http")),
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 15 * time.Second,
		// Publish-Now blocks on upload and status polling.
		WriteTimeout: cfg.TikTok.Timeout + 30*time.Second,
	}

	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
	}
	if d.notify != nil {
		d.notify(stop, os.Interrupt, syscall.SIGTERM)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	if cfg.Sweep.Enabled {
		g.Go(func() error { return sweeper.Start(gctx, cfg.Sweep.Schedule) })
		g.Go(func() error {
			reaper.Start(gctx)
			return nil
		})
	} else {
		l.Info("sweeper disabled via SWEEP_ENABLED")
	}
	g.Go(func() error {
		select {
		case <-stop:
			l.Info("shutting down server")
		case <-gctx.Done():
		}
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			l.WithError(err).Warn("server shutdown error")
		}
		return nil
	})
	g.Go(func() error {
		l.WithFields(log.Fields{"port": cfg.Port, "store": cfg.Store.Driver}).Info("server starting")
		err := d.listenAndServe(srv)
		cancel()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = g.Wait()
	l.Info("server stopped")
	return err
}
