package database

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/alliance-sync/internal/config"
)

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers
// и возвращает конфиг, указывающий на него.
func setupTestDB(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("alliances_test"),
		postgres.WithUsername("alliances"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("AS_DB_HOST", host)
	t.Setenv("AS_DB_PORT", port.Port())
	t.Setenv("AS_DB_NAME", "alliances_test")
	t.Setenv("AS_DB_USER", "alliances")
	t.Setenv("AS_DB_PASSWORD", "test-password")
	t.Setenv("AS_DB_SSL_MODE", "disable")
	t.Setenv("AS_GAME_API_URL", "http://localhost:9999")
	t.Setenv("AS_DISCORD_BOT_TOKEN", "test")
	t.Setenv("AS_JWT_ISSUER", "http://localhost:8080/realms/test")
	t.Setenv("AS_JWT_JWKS_URL", "http://localhost:8080/realms/test/certs")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	return cfg
}

func TestMigrateURL(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "db",
		DBPort:     5432,
		DBName:     "alliances",
		DBUser:     "sync",
		DBPassword: "p@ss/word",
		DBSSLMode:  "disable",
	}
	got := migrateURL(cfg)
	if !strings.HasPrefix(got, "pgx5://sync:p%40ss%2Fword@db:5432/alliances") {
		t.Errorf("migrateURL() = %q, пароль должен быть экранирован", got)
	}
	if !strings.HasSuffix(got, "?sslmode=disable") {
		t.Errorf("migrateURL() = %q, ожидается sslmode=disable", got)
	}
}

// TestConnect проверяет подключение к PostgreSQL через pgxpool.
func TestConnect(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("pool.Ping() вернул ошибку: %v", err)
	}

	db := SQLDB(pool)
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("SQLDB().PingContext() вернул ошибку: %v", err)
	}
}

// TestMigrate проверяет применение миграций.
func TestMigrate(t *testing.T) {
	cfg := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}

	// Повторное применение — без ошибки (ErrNoChange)
	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Повторный Migrate() вернул ошибку: %v", err)
	}

	ctx := context.Background()
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	tables := []string{
		"alliances",
		"api_credentials",
		"channel_configs",
		"war_cursors",
		"identity_bindings",
		"identity_conflicts",
		"roles",
		"role_members",
	}

	for _, table := range tables {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("Ошибка проверки таблицы %s: %v", table, err)
		}
		if !exists {
			t.Errorf("Таблица %s не создана", table)
		}
	}
}

// TestReadinessChecker проверяет ReadinessChecker.
func TestReadinessChecker(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	status, msg := NewReadinessChecker(pool).CheckReady()
	if status != "ok" {
		t.Errorf("CheckReady() status = %q, message = %q; ожидали status = %q",
			status, msg, "ok")
	}
}
