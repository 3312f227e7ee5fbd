package main

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/PortNumber53/crosspost/internal/config"
	"github.com/PortNumber53/crosspost/internal/handlers"
)

func testEnv(overrides map[string]string) func(string) string {
	env := map[string]string{
		"DATABASE_URL":       "postgres://example",
		"JWT_SECRET":         "0123456789abcdef0123",
		"RECONCILE_ON_START": "false",
	}
	for k, v := range overrides {
		env[k] = v
	}
	return func(k string) string { return env[k] }
}

func TestBuildRouter_HealthOK(t *testing.T) {
	cfg, err := config.Load(testEnv(nil))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	r := buildRouter(handlers.New(handlers.Deps{}), cfg)

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

func TestBuildRouter_APIRequiresToken(t *testing.T) {
	cfg, _ := config.Load(testEnv(nil))
	r := buildRouter(handlers.New(handlers.Deps{}), cfg)

	req := httptest.NewRequest("GET", "/api/posts/user/u1", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRun_Smoke_NoRealListen(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()

	stop := make(chan os.Signal, 1)
	stop <- os.Interrupt

	var migratedFrom string
	d := deps{
		getenv: testEnv(nil),
		openDB: func(driverName, dataSourceName string) (*sql.DB, error) {
			if driverName != "postgres" || dataSourceName != "postgres://example" {
				t.Errorf("unexpected open %s %s", driverName, dataSourceName)
			}
			return db, nil
		},
		migrateUp: func(_ *sql.DB, source string) error {
			migratedFrom = source
			return nil
		},
		listenAndServe: func(*http.Server) error {
			// simulate a clean shutdown
			return http.ErrServerClosed
		},
		stopCh: stop,
	}

	if err := run(d); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if migratedFrom != config.DefaultMigrationsPath {
		t.Fatalf("expected migrations from %s, got %q", config.DefaultMigrationsPath, migratedFrom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	err := run(deps{
		getenv:         testEnv(map[string]string{"JWT_SECRET": "short"}),
		openDB:         sql.Open,
		listenAndServe: func(*http.Server) error { return http.ErrServerClosed },
	})
	if err == nil {
		t.Fatalf("expected config error")
	}
}

func TestRun_MissingOpenDB(t *testing.T) {
	err := run(deps{
		getenv:         testEnv(nil),
		openDB:         nil,
		listenAndServe: func(*http.Server) error { return http.ErrServerClosed },
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaultDeps_HasRequiredFields(t *testing.T) {
	d := defaultDeps()
	if d.getenv == nil || d.openDB == nil || d.migrateUp == nil || d.listenAndServe == nil || d.notify == nil {
		t.Fatalf("expected all default deps to be non-nil: %#v", d)
	}
}

func TestMigrateUp_NilDB(t *testing.T) {
	if err := migrateUp(nil, config.DefaultMigrationsPath); err == nil {
		t.Fatalf("expected error")
	}
}
