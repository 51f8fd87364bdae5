// Package roles reconciles Discord guild roles with verified memberships.
//
// A guild maps each managed role id to a channel id. Mapping is by channel
// only: a verified binding on any slot of the channel earns the role.
// Incremental reconciliation reacts to a single membership transition; bulk
// reconciliation converges one whole guild and is idempotent.
package roles

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Yarn/gentei-but-jank/telemetry"
	"github.com/Yarn/gentei-but-jank/verify"
	"github.com/Yarn/gentei-but-jank/yturl"
)

// RoleManager is the slice of the Discord API the reconciler needs.
// *discordgo.Session satisfies it.
type RoleManager interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
}

// Reconciler applies verification state to guild roles.
type Reconciler struct {
	DB  *sql.DB
	Mgr RoleManager
}

// SetRoleMapping binds a guild role to a channel, merging into the guild's
// existing map. The argument may be a bare channel id or a channel URL; the
// stored value is always the bare id. Slot suffixes are rejected since role
// mapping is channel-scoped.
func SetRoleMapping(ctx context.Context, db *sql.DB, guildID, roleID, channel string) error {
	channelID, n, err := yturl.ParseChannelSpec(channel)
	if err != nil {
		return err
	}
	if n != 0 {
		return fmt.Errorf("role mappings are per channel, slot suffix %q not allowed", channel)
	}
	mapping, err := json.Marshal(map[string]string{roleID: channelID})
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO servers (server_id, roles) VALUES ($1, $2)
		ON CONFLICT (server_id) DO UPDATE SET roles = servers.roles || EXCLUDED.roles
	`, guildID, mapping)
	if err != nil {
		return fmt.Errorf("set role mapping: %w", err)
	}
	return nil
}

// RemoveRoleMapping unbinds a guild role. Unknown guilds and roles are no-ops.
func RemoveRoleMapping(ctx context.Context, db *sql.DB, guildID, roleID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE servers SET roles = roles - $2 WHERE server_id = $1
	`, guildID, roleID)
	if err != nil {
		return fmt.Errorf("remove role mapping: %w", err)
	}
	return nil
}

// GuildMappings returns a guild's role id to channel id map.
func GuildMappings(ctx context.Context, db *sql.DB, guildID string) (map[string]string, error) {
	var raw []byte
	err := db.QueryRowContext(ctx, `SELECT roles FROM servers WHERE server_id = $1`, guildID).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode mappings: %w", err)
	}
	return out, nil
}

// guildRole is one (guild, role) pair whose role is bound to some channel.
type guildRole struct {
	guildID string
	roleID  string
}

// mappingsForChannel finds every (guild, role) pair bound to the given channel
// across all guilds. The maps are decoded in Go since the guild count is small.
func (r *Reconciler) mappingsForChannel(ctx context.Context, channelID string) ([]guildRole, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT server_id, roles FROM servers`)
	if err != nil {
		return nil, fmt.Errorf("load guilds: %w", err)
	}
	defer rows.Close()

	var out []guildRole
	for rows.Next() {
		var guildID string
		var raw []byte
		if err := rows.Scan(&guildID, &raw); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		mapping := map[string]string{}
		if err := json.Unmarshal(raw, &mapping); err != nil {
			return nil, fmt.Errorf("decode guild %s mappings: %w", guildID, err)
		}
		for roleID, mapped := range mapping {
			if mapped == channelID {
				out = append(out, guildRole{guildID: guildID, roleID: roleID})
			}
		}
	}
	return out, rows.Err()
}

func hasRole(m *discordgo.Member, roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// ApplyTransition reacts to one membership flip: every (guild, role) pair
// bound to the binding's channel is brought in line with the new state.
// Failures are collected per pair, never fatal to the rest.
func (r *Reconciler) ApplyTransition(ctx context.Context, res *verify.Result) []error {
	pairs, err := r.mappingsForChannel(ctx, res.ChannelID)
	if err != nil {
		return []error{err}
	}
	var errs []error
	for _, p := range pairs {
		member, err := r.Mgr.GuildMember(p.guildID, res.DiscordID)
		if err != nil {
			// The user may simply not be in this guild.
			errs = append(errs, fmt.Errorf("guild %s member %s: %w", p.guildID, res.DiscordID, err))
			continue
		}
		switch {
		case res.IsMember && !hasRole(member, p.roleID):
			if err := r.Mgr.GuildMemberRoleAdd(p.guildID, res.DiscordID, p.roleID); err != nil {
				if telemetry.RoleErrors != nil {
					telemetry.RoleErrors.Inc()
				}
				errs = append(errs, fmt.Errorf("add role %s in %s: %w", p.roleID, p.guildID, err))
				continue
			}
			if telemetry.RoleAdds != nil {
				telemetry.RoleAdds.Inc()
			}
			slog.Info("role granted", slog.String("guild_id", p.guildID),
				slog.String("discord_id", res.DiscordID), slog.String("role_id", p.roleID))
		case !res.IsMember && hasRole(member, p.roleID):
			if err := r.Mgr.GuildMemberRoleRemove(p.guildID, res.DiscordID, p.roleID); err != nil {
				if telemetry.RoleErrors != nil {
					telemetry.RoleErrors.Inc()
				}
				errs = append(errs, fmt.Errorf("remove role %s in %s: %w", p.roleID, p.guildID, err))
				continue
			}
			if telemetry.RoleRemoves != nil {
				telemetry.RoleRemoves.Inc()
			}
			slog.Info("role revoked", slog.String("guild_id", p.guildID),
				slog.String("discord_id", res.DiscordID), slog.String("role_id", p.roleID))
		}
	}
	return errs
}

// SyncResult summarizes one bulk guild sync.
type SyncResult struct {
	Added   int
	Removed int
	Errors  []error
}

// SyncGuild converges one guild: for every mapped role, users verified within
// the freshness window get it, everyone else on the roster loses it. A guild
// already converged issues zero mutation calls.
func (r *Reconciler) SyncGuild(ctx context.Context, guildID string) (*SyncResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "roles", "roles.sync_guild",
		attribute.String("guild_id", guildID))
	defer span.End()
	start := time.Now()
	defer func() {
		if telemetry.BulkSyncDuration != nil {
			telemetry.BulkSyncDuration.Observe(time.Since(start).Seconds())
		}
	}()

	mapping, err := GuildMappings(ctx, r.DB, guildID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if len(mapping) == 0 {
		telemetry.SetSpanSuccess(span)
		return &SyncResult{}, nil
	}

	roster, err := r.listMembers(guildID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("list guild %s members: %w", guildID, err)
	}

	res := &SyncResult{}
	for roleID, channelID := range mapping {
		verified, err := r.verifiedUsers(ctx, channelID)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		for _, m := range roster {
			should := verified[m.User.ID]
			has := hasRole(m, roleID)
			switch {
			case should && !has:
				if err := r.Mgr.GuildMemberRoleAdd(guildID, m.User.ID, roleID); err != nil {
					if telemetry.RoleErrors != nil {
						telemetry.RoleErrors.Inc()
					}
					res.Errors = append(res.Errors, fmt.Errorf("add role %s to %s: %w", roleID, m.User.ID, err))
					continue
				}
				if telemetry.RoleAdds != nil {
					telemetry.RoleAdds.Inc()
				}
				res.Added++
			case !should && has:
				if err := r.Mgr.GuildMemberRoleRemove(guildID, m.User.ID, roleID); err != nil {
					if telemetry.RoleErrors != nil {
						telemetry.RoleErrors.Inc()
					}
					res.Errors = append(res.Errors, fmt.Errorf("remove role %s from %s: %w", roleID, m.User.ID, err))
					continue
				}
				if telemetry.RoleRemoves != nil {
					telemetry.RoleRemoves.Inc()
				}
				res.Removed++
			}
		}
	}
	slog.Info("guild sync done", slog.String("guild_id", guildID),
		slog.Int("added", res.Added), slog.Int("removed", res.Removed), slog.Int("errors", len(res.Errors)))
	telemetry.SetSpanSuccess(span)
	return res, nil
}

// verifiedUsers returns the set of Discord ids with a membership to the
// channel, on any slot, verified within the freshness window.
func (r *Reconciler) verifiedUsers(ctx context.Context, channelID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT discord_id FROM users
		WHERE yt_channel_id = $1
			AND last_verified IS NOT NULL
			AND current_timestamp - last_verified < INTERVAL '3 days'
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("select verified users: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan verified user: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// listMembers pages through the full guild roster.
func (r *Reconciler) listMembers(guildID string) ([]*discordgo.Member, error) {
	var all []*discordgo.Member
	after := ""
	for {
		page, err := r.Mgr.GuildMembers(guildID, after, 1000)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < 1000 {
			return all, nil
		}
		after = page[len(page)-1].User.ID
	}
}
