package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/PortNumber53/crosspost/internal/config"
	"github.com/PortNumber53/crosspost/internal/handlers"
	"github.com/PortNumber53/crosspost/internal/lease"
	"github.com/PortNumber53/crosspost/internal/store/memstore"
	"github.com/PortNumber53/crosspost/internal/tokencrypt"
	log "github.com/sirupsen/logrus"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := tokencrypt.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &config.Config{
		Port:         "0",
		Store:        config.Store{Driver: "postgres"},
		Token:        config.Token{EncryptionKey: key},
		State:        config.State{SigningKey: "0123456789abcdef0123", TTL: time.Minute},
		TikTok:       config.TikTok{PostMode: "direct", Timeout: time.Second},
		Log:          config.Log{Level: "error", Format: "json"},
		ShutdownWait: time.Second,
	}
}

func memStores(context.Context, *config.Config, *log.Entry) (*stores, error) {
	st := memstore.New()
	return &stores{schedules: st.Schedules(), accounts: st.Accounts(), close: func() {}}, nil
}

func TestBuildRouter_HealthOK(t *testing.T) {
	r := buildRouter(handlers.New(handlers.Deps{}), nil)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); body == "" || body[0] != '{' {
		t.Fatalf("expected json response, got %q", body)
	}
}

func TestRun_Smoke_NoRealListen(t *testing.T) {
	cfg := testConfig(t)
	stop := make(chan os.Signal, 1)
	stop <- os.Interrupt

	var served *http.Server
	d := deps{
		loadConfig: func() (*config.Config, error) { return cfg, nil },
		openStores: memStores,
		listenAndServe: func(s *http.Server) error {
			served = s
			// simulate a clean shutdown
			return http.ErrServerClosed
		},
		stopCh: stop,
	}

	if err := run(d); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if served == nil || served.Addr != ":0" {
		t.Fatalf("server not started on configured port: %+v", served)
	}
}

func TestRun_WithSweeperStopsOnSignal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweep = config.Sweep{Enabled: true, Schedule: "@every 1h", BatchSize: 5, CallTimeout: time.Second, LeaseTTL: time.Second}
	cfg.StaleClaim = config.StaleClaim{After: time.Minute, Interval: time.Hour}
	stop := make(chan os.Signal, 1)

	block := make(chan struct{})
	d := deps{
		loadConfig: func() (*config.Config, error) { return cfg, nil },
		openStores: memStores,
		listenAndServe: func(*http.Server) error {
			<-block
			return http.ErrServerClosed
		},
		stopCh: stop,
	}

	done := make(chan error, 1)
	go func() { done <- run(d) }()
	stop <- os.Interrupt
	close(block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRun_ListenErrorIsReturned(t *testing.T) {
	cfg := testConfig(t)
	err := run(deps{
		loadConfig:     func() (*config.Config, error) { return cfg, nil },
		openStores:     memStores,
		listenAndServe: func(*http.Server) error { return errors.New("address already in use") },
	})
	if err == nil || err.Error() != "address already in use" {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRun_MissingOpenStores(t *testing.T) {
	err := run(deps{
		loadConfig:     func() (*config.Config, error) { return &config.Config{}, nil },
		listenAndServe: func(*http.Server) error { return http.ErrServerClosed },
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRun_BadEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Token.EncryptionKey = "not-an-age-key"
	err := run(deps{
		loadConfig:     func() (*config.Config, error) { return cfg, nil },
		openStores:     memStores,
		listenAndServe: func(*http.Server) error { return http.ErrServerClosed },
	})
	if err == nil {
		t.Fatalf("expected error for invalid key")
	}
}

func TestDefaultDeps_HasRequiredFields(t *testing.T) {
	d := defaultDeps()
	if d.loadConfig == nil || d.openStores == nil || d.listenAndServe == nil || d.notify == nil {
		t.Fatalf("expected all default deps to be non-nil: %#v", d)
	}
}

func TestSweepLease(t *testing.T) {
	l, closeFn := sweepLease(&config.Config{})
	defer closeFn()
	if _, ok := l.(lease.Noop); !ok {
		t.Fatalf("expected noop lease without redis, got %T", l)
	}

	l, closeFn2 := sweepLease(&config.Config{Redis: config.Redis{Addr: "127.0.0.1:6379"}})
	defer closeFn2()
	if _, ok := l.(*lease.Redis); !ok {
		t.Fatalf("expected redis lease, got %T", l)
	}
}
