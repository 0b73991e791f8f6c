package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/alliance-sync/internal/config"
	"github.com/bigkaa/alliance-sync/internal/database"
	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
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

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// seedAlliance создаёт альянс напрямую в БД (онбординг вне движка).
func seedAlliance(t *testing.T, pool *pgxpool.Pool, id int64) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO alliances (id, name, discord_guild_id) VALUES ($1, $2, $3)`,
		id, "alliance", "guild-1")
	if err != nil {
		t.Fatalf("Ошибка создания альянса: %v", err)
	}
}

// --- Курсоры ---

func TestCursorAdvanceIsMonotonic(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	seedAlliance(t, pool, 1)
	repo := NewCursorRepository(pool)

	if _, err := repo.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() до первого опроса: ожидали ErrNotFound, получили %v", err)
	}

	steps := []struct {
		warID    int64
		advanced bool
		want     int64
	}{
		{100, true, 100},
		{103, true, 103},
		{102, false, 103},
		{103, false, 103},
		{104, true, 104},
	}
	for _, s := range steps {
		advanced, err := repo.Advance(ctx, 1, s.warID, time.Now())
		if err != nil {
			t.Fatalf("Advance(%d) ошибка: %v", s.warID, err)
		}
		if advanced != s.advanced {
			t.Errorf("Advance(%d) = %v, хотели %v", s.warID, advanced, s.advanced)
		}
		c, err := repo.Get(ctx, 1)
		if err != nil {
			t.Fatalf("Get() ошибка: %v", err)
		}
		if c.LastWarID != s.want {
			t.Errorf("после Advance(%d) курсор = %d, хотели %d", s.warID, c.LastWarID, s.want)
		}
	}
}

// --- Ключи и каналы ---

func TestCredentialsAndPollable(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	seedAlliance(t, pool, 1)
	seedAlliance(t, pool, 2)

	creds := NewCredentialRepository(pool)
	allianceID := int64(1)
	key := &model.Credential{ID: uuid.New().String(), AllianceID: &allianceID, Secret: "k1", IsActive: true}
	if err := creds.Create(ctx, key); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	second := &model.Credential{ID: uuid.New().String(), AllianceID: &allianceID, Secret: "k2", IsActive: true}
	if err := creds.Create(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("второй активный ключ: ожидали ErrConflict, получили %v", err)
	}

	got, err := creds.GetActiveForAlliance(ctx, 1)
	if err != nil {
		t.Fatalf("GetActiveForAlliance() ошибка: %v", err)
	}
	if got.Secret != "k1" || got.Source != model.CredentialSourceAlliance {
		t.Errorf("ключ = %+v", got)
	}
	if err := creds.TouchLastUsed(ctx, key.ID, time.Now()); err != nil {
		t.Fatalf("TouchLastUsed() ошибка: %v", err)
	}

	if err := creds.SetActive(ctx, key.ID, false); err != nil {
		t.Fatalf("SetActive() ошибка: %v", err)
	}
	if _, err := creds.GetActiveForAlliance(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("после деактивации ожидали ErrNotFound, получили %v", err)
	}
	if _, err := creds.GetActiveSystem(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("системный ключ: ожидали ErrNotFound, получили %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	channels := NewChannelConfigRepository(pool, logger)
	cfg := &model.ChannelConfig{
		ID: uuid.New().String(), AllianceID: 1, GuildID: "guild-1", ChannelID: "chan-1",
		Category: model.CategoryWar, IsActive: true,
		Settings: model.DefaultWarSettings(), SettingsVersion: model.WarSettingsVersion,
	}
	if err := channels.Upsert(ctx, cfg); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	firstID := cfg.ID

	// Повторный upsert того же канала обновляет запись, ID сохраняется
	again := *cfg
	again.ID = uuid.New().String()
	again.Settings.NotifyOffensive = false
	if err := channels.Upsert(ctx, &again); err != nil {
		t.Fatalf("повторный Upsert() ошибка: %v", err)
	}
	if again.ID != firstID {
		t.Errorf("ID после upsert = %s, хотели %s", again.ID, firstID)
	}

	active, err := channels.ListActive(ctx, 1, model.CategoryWar)
	if err != nil {
		t.Fatalf("ListActive() ошибка: %v", err)
	}
	if len(active) != 1 || active[0].Settings.NotifyOffensive {
		t.Errorf("ListActive() = %+v", active)
	}

	// Нечитаемые настройки одного канала не скрывают остальные
	broken := uuid.New().String()
	_, err = pool.Exec(ctx, `
		INSERT INTO channel_configs (id, alliance_id, guild_id, channel_id, category, settings)
		VALUES ($1, 1, 'guild-1', 'chan-2', 'war', '{"notify_offensive": "yes"}'::jsonb)`, broken)
	if err != nil {
		t.Fatalf("вставка канала: %v", err)
	}
	active, err = channels.ListActive(ctx, 1, model.CategoryWar)
	if err != nil {
		t.Fatalf("ListActive() с битой строкой ошибка: %v", err)
	}
	if len(active) != 1 || active[0].ID != firstID {
		t.Errorf("ListActive() = %+v, хотели только канал %s", active, firstID)
	}

	pollable, err := NewAllianceRepository(pool).ListPollable(ctx, model.CategoryWar)
	if err != nil {
		t.Fatalf("ListPollable() ошибка: %v", err)
	}
	if len(pollable) != 1 || pollable[0].ID != 1 {
		t.Errorf("ListPollable() вернул %d альянсов, хотели только 1", len(pollable))
	}
}

// --- Привязки и конфликты ---

func TestBindingConflictNeverOverwrites(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	seedAlliance(t, pool, 1)
	repo := NewIdentityRepository(pool, NewTxRunner(pool))

	a := &model.Binding{AllianceID: 1, UserID: "user-a", DiscordUserID: "X"}
	inserted, err := repo.InsertBinding(ctx, a)
	if err != nil || !inserted {
		t.Fatalf("InsertBinding(A) = %v, %v", inserted, err)
	}

	b := &model.Binding{AllianceID: 1, UserID: "user-b", DiscordUserID: "X"}
	inserted, err = repo.InsertBinding(ctx, b)
	if err != nil {
		t.Fatalf("InsertBinding(B) ошибка: %v", err)
	}
	if inserted {
		t.Fatal("InsertBinding(B) не должен создавать вторую активную привязку")
	}

	active, err := repo.GetActiveBinding(ctx, 1, "X")
	if err != nil {
		t.Fatalf("GetActiveBinding() ошибка: %v", err)
	}
	if active.UserID != "user-a" {
		t.Errorf("активная привязка = %s, хотели user-a", active.UserID)
	}

	if err := repo.QuarantineBinding(ctx, 1, "X", "user-b"); err != nil {
		t.Fatalf("QuarantineBinding() ошибка: %v", err)
	}
	c := &model.Conflict{AllianceID: 1, DiscordUserID: "X", UserA: "user-a", UserB: "user-b"}
	created, err := repo.CreateConflict(ctx, c)
	if err != nil || !created {
		t.Fatalf("CreateConflict() = %v, %v", created, err)
	}

	dup := &model.Conflict{AllianceID: 1, DiscordUserID: "X", UserA: "user-a", UserB: "user-b"}
	created, err = repo.CreateConflict(ctx, dup)
	if err != nil {
		t.Fatalf("повторный CreateConflict() ошибка: %v", err)
	}
	if created || dup.ID != c.ID {
		t.Errorf("повторный конфликт должен вернуть существующую запись %s, получили %s (created=%v)",
			c.ID, dup.ID, created)
	}

	unresolved := model.ConflictUnresolved
	count, err := repo.CountConflicts(ctx, 1, &unresolved)
	if err != nil || count != 1 {
		t.Errorf("CountConflicts() = %d, %v; хотели 1", count, err)
	}

	// Оператор оставляет B
	resolved, err := repo.ResolveConflict(ctx, c.ID, model.KeepB, "operator@example.com")
	if err != nil {
		t.Fatalf("ResolveConflict() ошибка: %v", err)
	}
	if resolved.Status != model.ConflictResolvedKeptB || resolved.ResolvedAt == nil {
		t.Errorf("конфликт после разрешения = %+v", resolved)
	}

	active, err = repo.GetActiveBinding(ctx, 1, "X")
	if err != nil {
		t.Fatalf("GetActiveBinding() ошибка: %v", err)
	}
	if active.UserID != "user-b" {
		t.Errorf("после keep=b активная привязка = %s, хотели user-b", active.UserID)
	}

	history, err := repo.ListBindings(ctx, 1, "X")
	if err != nil {
		t.Fatalf("ListBindings() ошибка: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("история привязок = %d записей, хотели 2", len(history))
	}
	for _, h := range history {
		if h.UserID == "user-a" && h.Status != model.BindingSuperseded {
			t.Errorf("привязка user-a = %s, хотели superseded", h.Status)
		}
	}

	if _, err := repo.ResolveConflict(ctx, c.ID, model.KeepA, "operator@example.com"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("повторное разрешение: ожидали ErrAlreadyResolved, получили %v", err)
	}
	if _, err := repo.ResolveConflict(ctx, uuid.New().String(), model.KeepA, "op"); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный конфликт: ожидали ErrNotFound, получили %v", err)
	}
}

// --- Роли ---

func TestRoleLinkAndMembers(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	seedAlliance(t, pool, 1)
	repo := NewRoleRepository(pool)

	role := &model.Role{AllianceID: 1, Name: "Officers"}
	if err := repo.Create(ctx, role); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if err := repo.Create(ctx, &model.Role{AllianceID: 1, Name: "Officers"}); !errors.Is(err, ErrConflict) {
		t.Errorf("дубликат имени: ожидали ErrConflict, получили %v", err)
	}

	linked, err := repo.LinkIfUnlinked(ctx, role.ID, "discord-role-1")
	if err != nil || !linked {
		t.Fatalf("LinkIfUnlinked() = %v, %v", linked, err)
	}
	// Второй конкурентный вызов не перезаписывает связь
	linked, err = repo.LinkIfUnlinked(ctx, role.ID, "discord-role-2")
	if err != nil || linked {
		t.Errorf("повторный LinkIfUnlinked() = %v, %v; хотели false", linked, err)
	}

	got, err := repo.GetByDiscordRoleID(ctx, 1, "discord-role-1")
	if err != nil {
		t.Fatalf("GetByDiscordRoleID() ошибка: %v", err)
	}
	if got.ID != role.ID || got.SyncState != model.RoleLinked {
		t.Errorf("роль = %+v", got)
	}

	added, err := repo.AddMember(ctx, role.ID, "user-a", model.MemberSourceInternal)
	if err != nil || !added {
		t.Fatalf("AddMember() = %v, %v", added, err)
	}
	added, err = repo.AddMember(ctx, role.ID, "user-a", model.MemberSourceDiscord)
	if err != nil || added {
		t.Errorf("повторный AddMember() = %v, %v; хотели false", added, err)
	}

	members, err := repo.ListMembers(ctx, role.ID)
	if err != nil || len(members) != 1 {
		t.Fatalf("ListMembers() = %d, %v", len(members), err)
	}

	removed, err := repo.RemoveMember(ctx, role.ID, "user-a")
	if err != nil || !removed {
		t.Errorf("RemoveMember() = %v, %v", removed, err)
	}
	removed, err = repo.RemoveMember(ctx, role.ID, "user-a")
	if err != nil || removed {
		t.Errorf("повторный RemoveMember() = %v, %v; хотели false", removed, err)
	}
}

func TestRoleRevocations(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	seedAlliance(t, pool, 1)
	repo := NewRoleRepository(pool)

	role := &model.Role{AllianceID: 1, Name: "Officers"}
	if err := repo.Create(ctx, role); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	rev := &model.RoleRevocation{RoleID: role.ID, UserID: "user-a", DiscordUserID: "100000000000000001"}
	if err := repo.AddRevocation(ctx, rev); err != nil {
		t.Fatalf("AddRevocation() ошибка: %v", err)
	}
	if rev.CreatedAt.IsZero() {
		t.Error("AddRevocation() не заполнил created_at")
	}
	// Повторное снятие того же аккаунта не дублирует запись
	if err := repo.AddRevocation(ctx, &model.RoleRevocation{RoleID: role.ID, UserID: "user-b", DiscordUserID: "100000000000000001"}); err != nil {
		t.Fatalf("повторный AddRevocation() ошибка: %v", err)
	}

	list, err := repo.ListRevocations(ctx, role.ID)
	if err != nil {
		t.Fatalf("ListRevocations() ошибка: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "user-b" {
		t.Errorf("ListRevocations() = %+v, хотели одну запись user-b", list)
	}

	if err := repo.DeleteRevocation(ctx, role.ID, "100000000000000001"); err != nil {
		t.Fatalf("DeleteRevocation() ошибка: %v", err)
	}
	if err := repo.DeleteRevocation(ctx, role.ID, "100000000000000001"); err != nil {
		t.Errorf("повторный DeleteRevocation() ошибка: %v", err)
	}
	list, err = repo.ListRevocations(ctx, role.ID)
	if err != nil || len(list) != 0 {
		t.Errorf("после удаления ListRevocations() = %d, %v", len(list), err)
	}
}
