package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/alliance-sync/internal/discord"
	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func i64(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }

// --- alliances ---

type fakeAlliances struct {
	mu        sync.Mutex
	alliances map[int64]*model.Alliance
	pollable  []int64
	err       error
}

func newFakeAlliances(list ...*model.Alliance) *fakeAlliances {
	f := &fakeAlliances{alliances: make(map[int64]*model.Alliance)}
	for _, a := range list {
		f.alliances[a.ID] = a
		f.pollable = append(f.pollable, a.ID)
	}
	return f
}

func (f *fakeAlliances) GetByID(_ context.Context, id int64) (*model.Alliance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alliances[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAlliances) ListPollable(_ context.Context, _ string) ([]*model.Alliance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var result []*model.Alliance
	for _, id := range f.pollable {
		result = append(result, f.alliances[id])
	}
	return result, nil
}

func (f *fakeAlliances) ListAll(_ context.Context) ([]*model.Alliance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Alliance
	for _, a := range f.alliances {
		result = append(result, a)
	}
	slices.SortFunc(result, func(a, b *model.Alliance) int { return int(a.ID - b.ID) })
	return result, nil
}

// --- credentials ---

type fakeCredentials struct {
	mu       sync.Mutex
	byOwner  map[int64]*model.Credential
	system   *model.Credential
	err      error
	touched  []string
	touchErr error
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{byOwner: make(map[int64]*model.Credential)}
}

func (f *fakeCredentials) set(allianceID int64, secret string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byOwner[allianceID] = &model.Credential{
		ID:         fmt.Sprintf("cred-%d", allianceID),
		AllianceID: i64(allianceID),
		Secret:     secret,
		IsActive:   active,
	}
}

func (f *fakeCredentials) GetActiveForAlliance(_ context.Context, allianceID int64) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.byOwner[allianceID]
	if !ok || !c.IsActive {
		return nil, repository.ErrNotFound
	}
	cp := *c
	cp.Source = model.CredentialSourceAlliance
	return &cp, nil
}

func (f *fakeCredentials) GetActiveSystem(_ context.Context) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.system == nil || !f.system.IsActive {
		return nil, repository.ErrNotFound
	}
	cp := *f.system
	cp.Source = model.CredentialSourceSystem
	return &cp, nil
}

func (f *fakeCredentials) TouchLastUsed(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return f.touchErr
}

func (f *fakeCredentials) Create(_ context.Context, c *model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.AllianceID == nil {
		f.system = c
		return nil
	}
	f.byOwner[*c.AllianceID] = c
	return nil
}

func (f *fakeCredentials) SetActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byOwner {
		if c.ID == id {
			c.IsActive = active
			return nil
		}
	}
	return repository.ErrNotFound
}

// --- cursors ---

type fakeCursors struct {
	mu       sync.Mutex
	cursors  map[int64]int64
	advances int
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: make(map[int64]int64)}
}

func (f *fakeCursors) Get(_ context.Context, allianceID int64) (*model.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.cursors[allianceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.Cursor{AllianceID: allianceID, LastWarID: id}, nil
}

func (f *fakeCursors) Advance(_ context.Context, allianceID, warID int64, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.cursors[allianceID]
	if ok && current >= warID {
		return false, nil
	}
	f.cursors[allianceID] = warID
	f.advances++
	return true, nil
}

func (f *fakeCursors) value(allianceID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[allianceID]
}

// --- channel configs ---

type fakeChannels struct {
	mu      sync.Mutex
	configs map[int64][]*model.ChannelConfig
	err     error
	lookups int
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{configs: make(map[int64][]*model.ChannelConfig)}
}

func (f *fakeChannels) add(allianceID int64, id, channelID string, settings model.WarSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[allianceID] = append(f.configs[allianceID], &model.ChannelConfig{
		ID:         id,
		AllianceID: allianceID,
		GuildID:    "900",
		ChannelID:  channelID,
		Category:   model.CategoryWar,
		IsActive:   true,
		Settings:   settings,
	})
}

func (f *fakeChannels) ListActive(_ context.Context, allianceID int64, category string) ([]*model.ChannelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	var result []*model.ChannelConfig
	for _, c := range f.configs[allianceID] {
		if c.Category == category {
			result = append(result, c)
		}
	}
	return result, nil
}

func (f *fakeChannels) ListByAlliance(_ context.Context, allianceID int64) ([]*model.ChannelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.configs[allianceID]), nil
}

func (f *fakeChannels) Upsert(_ context.Context, cfg *model.ChannelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.configs[cfg.AllianceID] {
		if c.ChannelID == cfg.ChannelID && c.Category == cfg.Category {
			id := c.ID
			*c = *cfg
			c.ID = id
			cfg.ID = id
			return nil
		}
	}
	cp := *cfg
	f.configs[cfg.AllianceID] = append(f.configs[cfg.AllianceID], &cp)
	return nil
}

// --- war source ---

type fakeWarSource struct {
	mu     sync.Mutex
	wars   map[int64][]model.War
	latest map[int64]int64
	err    error
	calls  int
	keys   []string
}

func newFakeWarSource() *fakeWarSource {
	return &fakeWarSource{wars: make(map[int64][]model.War), latest: make(map[int64]int64)}
}

func (f *fakeWarSource) add(allianceID int64, wars ...model.War) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wars[allianceID] = append(f.wars[allianceID], wars...)
}

// ListWars отдаёт войны в порядке добавления: так проверяется,
// что опрос не полагается на порядок ответа.
func (f *fakeWarSource) ListWars(_ context.Context, key string, allianceID, afterID int64, limit int) ([]model.War, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	var result []model.War
	for _, w := range f.wars[allianceID] {
		if w.ID > afterID {
			result = append(result, w)
		}
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (f *fakeWarSource) LatestWarID(_ context.Context, key string, allianceID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, key)
	if f.err != nil {
		return 0, f.err
	}
	return f.latest[allianceID], nil
}

func (f *fakeWarSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- sink ---

type fakeSink struct {
	mu        sync.Mutex
	failing   map[string]bool // channel_id → отказ
	failAll   bool
	delivered []model.Notification
	attempts  int
}

func newFakeSink() *fakeSink {
	return &fakeSink{failing: make(map[string]bool)}
}

func (f *fakeSink) Deliver(_ context.Context, n model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failAll || f.failing[n.ChannelID] {
		return errors.New("sink недоступен")
	}
	f.delivered = append(f.delivered, n)
	return nil
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) setFailAll(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = v
}

// countWar возвращает число доставок войны warID.
func (f *fakeSink) countWar(warID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.delivered {
		if d.WarID == warID {
			n++
		}
	}
	return n
}

func (f *fakeSink) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

// --- identity ---

type fakeIdentity struct {
	mu        sync.Mutex
	bindings  []*model.Binding
	conflicts []*model.Conflict
}

func (f *fakeIdentity) find(allianceID int64, discordUserID, userID string) *model.Binding {
	for _, b := range f.bindings {
		if b.AllianceID == allianceID && b.DiscordUserID == discordUserID && b.UserID == userID {
			return b
		}
	}
	return nil
}

func (f *fakeIdentity) active(allianceID int64, discordUserID string) *model.Binding {
	for _, b := range f.bindings {
		if b.AllianceID == allianceID && b.DiscordUserID == discordUserID && b.Status == model.BindingActive {
			return b
		}
	}
	return nil
}

func (f *fakeIdentity) InsertBinding(_ context.Context, b *model.Binding) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(b.AllianceID, b.DiscordUserID, b.UserID) != nil || f.active(b.AllianceID, b.DiscordUserID) != nil {
		return false, nil
	}
	nb := *b
	nb.ID = uuid.New().String()
	nb.Status = model.BindingActive
	f.bindings = append(f.bindings, &nb)
	*b = nb
	return true, nil
}

func (f *fakeIdentity) ActivateIfVacant(_ context.Context, allianceID int64, discordUserID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active(allianceID, discordUserID) != nil {
		return false, nil
	}
	b := f.find(allianceID, discordUserID, userID)
	if b == nil {
		return false, nil
	}
	b.Status = model.BindingActive
	b.SupersededAt = nil
	return true, nil
}

func (f *fakeIdentity) QuarantineBinding(_ context.Context, allianceID int64, discordUserID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(allianceID, discordUserID, userID) != nil {
		return nil
	}
	f.bindings = append(f.bindings, &model.Binding{
		ID: uuid.New().String(), AllianceID: allianceID,
		UserID: userID, DiscordUserID: discordUserID, Status: model.BindingQuarantined,
	})
	return nil
}

func (f *fakeIdentity) GetActiveBinding(_ context.Context, allianceID int64, discordUserID string) (*model.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.active(allianceID, discordUserID)
	if b == nil {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeIdentity) GetActiveBindingByUser(_ context.Context, allianceID int64, userID string) (*model.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bindings {
		if b.AllianceID == allianceID && b.UserID == userID && b.Status == model.BindingActive {
			cp := *b
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeIdentity) ListBindings(_ context.Context, allianceID int64, discordUserID string) ([]*model.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Binding
	for _, b := range f.bindings {
		if b.AllianceID == allianceID && b.DiscordUserID == discordUserID {
			cp := *b
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (f *fakeIdentity) CreateConflict(_ context.Context, c *model.Conflict) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.conflicts {
		if existing.AllianceID == c.AllianceID && existing.DiscordUserID == c.DiscordUserID &&
			existing.UserB == c.UserB && existing.Status == model.ConflictUnresolved {
			*c = *existing
			return false, nil
		}
	}
	c.ID = uuid.New().String()
	c.Status = model.ConflictUnresolved
	c.DetectedAt = time.Now()
	cp := *c
	f.conflicts = append(f.conflicts, &cp)
	return true, nil
}

func (f *fakeIdentity) GetConflict(_ context.Context, id string) (*model.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conflicts {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeIdentity) filterConflicts(allianceID int64, status *string) []*model.Conflict {
	var result []*model.Conflict
	for _, c := range f.conflicts {
		if c.AllianceID == allianceID && (status == nil || c.Status == *status) {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result
}

func (f *fakeIdentity) ListConflicts(_ context.Context, allianceID int64, status *string, limit, offset int) ([]*model.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.filterConflicts(allianceID, status)
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

func (f *fakeIdentity) CountConflicts(_ context.Context, allianceID int64, status *string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filterConflicts(allianceID, status)), nil
}

func (f *fakeIdentity) ResolveConflict(_ context.Context, id, keep, resolvedBy string) (*model.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c *model.Conflict
	for _, existing := range f.conflicts {
		if existing.ID == id {
			c = existing
		}
	}
	if c == nil {
		return nil, repository.ErrNotFound
	}
	if c.Status != model.ConflictUnresolved {
		return nil, repository.ErrAlreadyResolved
	}

	winner, loser, status := c.UserA, c.UserB, model.ConflictResolvedKeptA
	if keep == model.KeepB {
		winner, loser, status = c.UserB, c.UserA, model.ConflictResolvedKeptB
	}
	now := time.Now()
	for _, b := range f.bindings {
		if b.AllianceID != c.AllianceID || b.DiscordUserID != c.DiscordUserID {
			continue
		}
		if b.UserID == loser || (b.UserID != winner && b.Status == model.BindingActive) {
			b.Status = model.BindingSuperseded
			b.SupersededAt = &now
		}
	}
	if b := f.find(c.AllianceID, c.DiscordUserID, winner); b != nil {
		b.Status = model.BindingActive
		b.SupersededAt = nil
	} else {
		f.bindings = append(f.bindings, &model.Binding{
			ID: uuid.New().String(), AllianceID: c.AllianceID,
			UserID: winner, DiscordUserID: c.DiscordUserID, Status: model.BindingActive,
		})
	}
	c.Status = status
	c.ResolvedAt = &now
	c.ResolvedBy = &resolvedBy
	cp := *c
	return &cp, nil
}

// --- roles ---

type fakeRoles struct {
	mu          sync.Mutex
	roles       map[string]*model.Role
	members     map[string]map[string]string // role_id → user_id → source
	revocations map[string]map[string]string // role_id → discord_user_id → user_id
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		roles:       make(map[string]*model.Role),
		members:     make(map[string]map[string]string),
		revocations: make(map[string]map[string]string),
	}
}

func (f *fakeRoles) Create(_ context.Context, role *model.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.AllianceID == role.AllianceID && r.Name == role.Name {
			return repository.ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	if role.SyncState == "" {
		role.SyncState = model.RoleRequested
	}
	cp := *role
	f.roles[role.ID] = &cp
	return nil
}

func (f *fakeRoles) GetByID(_ context.Context, allianceID int64, roleID string) (*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[roleID]
	if !ok || r.AllianceID != allianceID {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRoles) GetByDiscordRoleID(_ context.Context, allianceID int64, discordRoleID string) (*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.AllianceID == allianceID && r.DiscordRoleID != nil && *r.DiscordRoleID == discordRoleID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRoles) ListByAlliance(_ context.Context, allianceID int64) ([]*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Role
	for _, r := range f.roles {
		if r.AllianceID == allianceID {
			cp := *r
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *model.Role) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (f *fakeRoles) linkedElsewhere(allianceID int64, roleID, discordRoleID string) bool {
	for _, r := range f.roles {
		if r.ID != roleID && r.AllianceID == allianceID && r.DiscordRoleID != nil && *r.DiscordRoleID == discordRoleID {
			return true
		}
	}
	return false
}

func (f *fakeRoles) LinkIfUnlinked(_ context.Context, roleID, discordRoleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[roleID]
	if !ok || r.DiscordRoleID != nil {
		return false, nil
	}
	if f.linkedElsewhere(r.AllianceID, roleID, discordRoleID) {
		return false, repository.ErrConflict
	}
	r.DiscordRoleID = strPtr(discordRoleID)
	r.SyncState = model.RoleLinked
	r.LastError = nil
	return true, nil
}

func (f *fakeRoles) SetLink(_ context.Context, allianceID int64, roleID, discordRoleID string) (*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[roleID]
	if !ok || r.AllianceID != allianceID {
		return nil, repository.ErrNotFound
	}
	if f.linkedElsewhere(allianceID, roleID, discordRoleID) {
		return nil, repository.ErrConflict
	}
	r.DiscordRoleID = strPtr(discordRoleID)
	r.SyncState = model.RoleLinked
	cp := *r
	return &cp, nil
}

func (f *fakeRoles) MarkFailed(_ context.Context, roleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.roles[roleID]; ok && r.DiscordRoleID == nil {
		r.SyncState = model.RoleFailed
		r.LastError = strPtr(reason)
	}
	return nil
}

func (f *fakeRoles) AddMember(_ context.Context, roleID, userID, source string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[roleID] == nil {
		f.members[roleID] = make(map[string]string)
	}
	if _, ok := f.members[roleID][userID]; ok {
		return false, nil
	}
	f.members[roleID][userID] = source
	return true, nil
}

func (f *fakeRoles) RemoveMember(_ context.Context, roleID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[roleID][userID]; !ok {
		return false, nil
	}
	delete(f.members[roleID], userID)
	return true, nil
}

func (f *fakeRoles) IsMember(_ context.Context, roleID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[roleID][userID]
	return ok, nil
}

func (f *fakeRoles) ListMembers(_ context.Context, roleID string) ([]*model.RoleMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.RoleMember
	for userID, source := range f.members[roleID] {
		result = append(result, &model.RoleMember{RoleID: roleID, UserID: userID, Source: source})
	}
	slices.SortFunc(result, func(a, b *model.RoleMember) int { return strings.Compare(a.UserID, b.UserID) })
	return result, nil
}

func (f *fakeRoles) AddRevocation(_ context.Context, rev *model.RoleRevocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revocations[rev.RoleID] == nil {
		f.revocations[rev.RoleID] = make(map[string]string)
	}
	f.revocations[rev.RoleID][rev.DiscordUserID] = rev.UserID
	rev.CreatedAt = time.Now()
	return nil
}

func (f *fakeRoles) ListRevocations(_ context.Context, roleID string) ([]*model.RoleRevocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.RoleRevocation
	for discordUserID, userID := range f.revocations[roleID] {
		result = append(result, &model.RoleRevocation{RoleID: roleID, UserID: userID, DiscordUserID: discordUserID})
	}
	slices.SortFunc(result, func(a, b *model.RoleRevocation) int { return strings.Compare(a.DiscordUserID, b.DiscordUserID) })
	return result, nil
}

func (f *fakeRoles) DeleteRevocation(_ context.Context, roleID, discordUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.revocations[roleID], discordUserID)
	return nil
}

func (f *fakeRoles) revocationCount(roleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revocations[roleID])
}

// --- Discord roles ---

type fakePlatform struct {
	mu          sync.Mutex
	roles       map[string][]discord.Role // guild → роли
	members     map[string]bool           // guild/user/role
	nextID      int
	createCalls int
	addCalls    int
	removeCalls int
	listErr     error
	createErr   error
	addErr      error
	removeErr   error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{roles: make(map[string][]discord.Role), members: make(map[string]bool), nextID: 5000}
}

func memberKey(guildID, userID, roleID string) string {
	return guildID + "/" + userID + "/" + roleID
}

func (f *fakePlatform) ListRoles(_ context.Context, guildID string) ([]discord.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.roles[guildID]), nil
}

func (f *fakePlatform) CreateRole(_ context.Context, guildID, name string) (*discord.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	role := discord.Role{ID: fmt.Sprint(f.nextID), Name: name}
	f.roles[guildID] = append(f.roles[guildID], role)
	return &role, nil
}

func (f *fakePlatform) AddMemberRole(_ context.Context, guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return f.addErr
	}
	f.members[memberKey(guildID, userID, roleID)] = true
	return nil
}

func (f *fakePlatform) RemoveMemberRole(_ context.Context, guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.members, memberKey(guildID, userID, roleID))
	return nil
}

func (f *fakePlatform) setErrors(add, remove error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = add
	f.removeErr = remove
}

func (f *fakePlatform) hasMember(guildID, userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[memberKey(guildID, userID, roleID)]
}

func transientErr() error {
	return &discord.APIError{Status: 503, Message: "service unavailable"}
}
