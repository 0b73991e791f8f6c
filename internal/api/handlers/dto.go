// dto.go — JSON-представления доменных моделей в ответах API.
package handlers

import (
	"time"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

type bindingDTO struct {
	ID            string    `json:"id"`
	AllianceID    int64     `json:"alliance_id"`
	UserID        string    `json:"user_id"`
	DiscordUserID string    `json:"discord_user_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type conflictDTO struct {
	ID            string     `json:"id"`
	AllianceID    int64      `json:"alliance_id"`
	DiscordUserID string     `json:"discord_user_id"`
	UserA         string     `json:"user_a"`
	UserB         string     `json:"user_b"`
	Status        string     `json:"status"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    *string    `json:"resolved_by,omitempty"`
}

type conflictListResponse struct {
	Items   []conflictDTO `json:"items"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"has_more"`
}

type bindResponse struct {
	Outcome  string       `json:"outcome"`
	Binding  *bindingDTO  `json:"binding,omitempty"`
	Conflict *conflictDTO `json:"conflict,omitempty"`
}

type roleDTO struct {
	ID            string  `json:"id"`
	AllianceID    int64   `json:"alliance_id"`
	Name          string  `json:"name"`
	DiscordRoleID *string `json:"discord_role_id"`
	SyncState     string  `json:"sync_state"`
	LastError     *string `json:"last_error,omitempty"`
}

type roleSyncDTO struct {
	RoleID        string `json:"role_id"`
	State         string `json:"state"`
	Step          string `json:"step,omitempty"`
	DiscordRoleID string `json:"discord_role_id,omitempty"`
	Pending       bool   `json:"pending"`
}

type createRoleResponse struct {
	Role roleDTO      `json:"role"`
	Sync *roleSyncDTO `json:"sync,omitempty"`
}

type observationDTO struct {
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	RoleID  string `json:"role_id,omitempty"`
	Changed bool   `json:"changed"`
}

type channelDTO struct {
	ID         string            `json:"id"`
	AllianceID int64             `json:"alliance_id"`
	GuildID    string            `json:"guild_id"`
	ChannelID  string            `json:"channel_id"`
	Category   string            `json:"category"`
	IsActive   bool              `json:"is_active"`
	Settings   model.WarSettings `json:"settings"`
}

type deliveryDTO struct {
	Destinations int  `json:"destinations"`
	Delivered    int  `json:"delivered"`
	Duplicates   int  `json:"duplicates"`
	Failed       int  `json:"failed"`
	Queued       int  `json:"queued"`
	Dropped      int  `json:"dropped"`
	LookupFailed bool `json:"lookup_failed,omitempty"`
}

type pollDTO struct {
	Alliances   int         `json:"alliances"`
	Polled      int         `json:"polled"`
	Unpollable  int         `json:"unpollable"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Wars        int         `json:"wars"`
	Delivery    deliveryDTO `json:"delivery"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

type reconcileDTO struct {
	AllianceID     int64     `json:"alliance_id"`
	RolesLinked    int       `json:"roles_linked"`
	RolesFailed    int       `json:"roles_failed"`
	MembersPushed  int       `json:"members_pushed"`
	MembersRevoked int       `json:"members_revoked"`
	MembersUnbound int       `json:"members_unbound"`
	PushFailures   int       `json:"push_failures"`
	OpenConflicts  int       `json:"open_conflicts"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

func mapBinding(b *model.Binding) *bindingDTO {
	if b == nil {
		return nil
	}
	return &bindingDTO{
		ID:            b.ID,
		AllianceID:    b.AllianceID,
		UserID:        b.UserID,
		DiscordUserID: b.DiscordUserID,
		Status:        b.Status,
		CreatedAt:     b.CreatedAt,
	}
}

func mapConflict(c *model.Conflict) *conflictDTO {
	if c == nil {
		return nil
	}
	return &conflictDTO{
		ID:            c.ID,
		AllianceID:    c.AllianceID,
		DiscordUserID: c.DiscordUserID,
		UserA:         c.UserA,
		UserB:         c.UserB,
		Status:        c.Status,
		DetectedAt:    c.DetectedAt,
		ResolvedAt:    c.ResolvedAt,
		ResolvedBy:    c.ResolvedBy,
	}
}

func mapRole(r *model.Role) roleDTO {
	return roleDTO{
		ID:            r.ID,
		AllianceID:    r.AllianceID,
		Name:          r.Name,
		DiscordRoleID: r.DiscordRoleID,
		SyncState:     r.SyncState,
		LastError:     r.LastError,
	}
}

func mapRoleSync(r *model.RoleSyncResult) *roleSyncDTO {
	if r == nil {
		return nil
	}
	return &roleSyncDTO{
		RoleID:        r.RoleID,
		State:         r.State,
		Step:          r.Step,
		DiscordRoleID: r.DiscordRoleID,
		Pending:       r.Pending,
	}
}

func mapChannel(c *model.ChannelConfig) channelDTO {
	return channelDTO{
		ID:         c.ID,
		AllianceID: c.AllianceID,
		GuildID:    c.GuildID,
		ChannelID:  c.ChannelID,
		Category:   c.Category,
		IsActive:   c.IsActive,
		Settings:   c.Settings,
	}
}

func mapDelivery(d model.DeliveryResult) deliveryDTO {
	return deliveryDTO{
		Destinations: d.Destinations,
		Delivered:    d.Delivered,
		Duplicates:   d.Duplicates,
		Failed:       d.Failed,
		Queued:       d.Queued,
		Dropped:      d.Dropped,
		LookupFailed: d.LookupFailed,
	}
}

func mapPoll(p *model.PollResult) pollDTO {
	return pollDTO{
		Alliances:   p.Alliances,
		Polled:      p.Polled,
		Unpollable:  p.Unpollable,
		Failed:      p.Failed,
		Skipped:     p.Skipped,
		Wars:        p.Wars,
		Delivery:    mapDelivery(p.Delivery),
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
}

func mapReconcile(r *model.ReconcileResult) reconcileDTO {
	return reconcileDTO{
		AllianceID:     r.AllianceID,
		RolesLinked:    r.RolesLinked,
		RolesFailed:    r.RolesFailed,
		MembersPushed:  r.MembersPushed,
		MembersRevoked: r.MembersRevoked,
		MembersUnbound: r.MembersUnbound,
		PushFailures:   r.PushFailures,
		OpenConflicts:  r.OpenConflicts,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}
