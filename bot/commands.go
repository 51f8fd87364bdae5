package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/Yarn/gentei-but-jank/roles"
	"github.com/Yarn/gentei-but-jank/telemetry"
	"github.com/Yarn/gentei-but-jank/verify"
	"github.com/Yarn/gentei-but-jank/yturl"
)

func telemetryRoleWarn(ctx context.Context, err error) {
	telemetry.LoggerWithCorr(ctx).Warn("role update", slog.Any("err", err))
}

const helpText = "Commands: token, cleartoken, setcomment, status, guide, help\n" +
	"Operator: forcetoken, statusu, verify, syncmembers, setrole, checkoverpaired"

// parseChannelArg accepts a bare channel id, a channel URL, or either with
// the 'N slot suffix, optionally angle-bracketed to suppress the embed.
func parseChannelArg(arg string) (string, int64, error) {
	id, n, err := yturl.ParseChannelSpec(yturl.StripAngles(arg))
	if err != nil {
		return "", 0, human("invalid channel value", err)
	}
	return id, n, nil
}

func (b *Bot) cmdToken(ctx context.Context, m *discordgo.MessageCreate, args []string) (string, error) {
	spec := b.Cfg.TokenChannelID
	if len(args) >= 1 {
		spec = args[0]
	}
	if spec == "" {
		return "", human("usage: token <channel id or url>", nil)
	}
	channelID, channelN, err := parseChannelArg(spec)
	if err != nil {
		return "", err
	}
	token, err := verify.IssueToken(ctx, b.DB, m.Author.ID, channelID, channelN)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (b *Bot) cmdClearToken(ctx context.Context, m *discordgo.MessageCreate, args []string) (string, error) {
	if len(args) != 1 {
		return "", human("usage: cleartoken <channel id or url>", nil)
	}
	channelID, channelN, err := parseChannelArg(args[0])
	if err != nil {
		return "", err
	}
	if err := verify.ClearBinding(ctx, b.DB, m.Author.ID, channelID, channelN); err != nil {
		return "", err
	}
	return ack, nil
}

func (b *Bot) cmdForceToken(ctx context.Context, args []string) (string, error) {
	if len(args) != 3 {
		return "", human("usage: forcetoken <discord id> <channel> <token>", nil)
	}
	channelID, channelN, err := parseChannelArg(args[1])
	if err != nil {
		return "", err
	}
	if err := verify.ForceToken(ctx, b.DB, args[0], channelID, channelN, args[2]); err != nil {
		if errors.Is(err, verify.ErrUserNotConfigured) {
			return "", human("no such binding", err)
		}
		return "", err
	}
	return ack, nil
}

// cmdSetComment takes a comment permalink, resolves the video's owning
// channel, and binds the proof location to that channel's slot 0.
func (b *Bot) cmdSetComment(ctx context.Context, m *discordgo.MessageCreate, args []string) (string, error) {
	if len(args) != 1 {
		return "", human("usage: setcomment <comment url>", nil)
	}
	rawURL := yturl.StripAngles(args[0])
	videoID, commentID, ok := yturl.ExtractVideoComment(rawURL)
	if !ok {
		return "", human("could not extract video and comment id from url", nil)
	}
	watchURL := fmt.Sprintf("https://www.youtube.com/watch?v=%s", videoID)
	channelID, err := b.Resolver.ResolveChannel(ctx, watchURL)
	if err != nil {
		return "", human("could not fetch channel id for video", err)
	}
	return b.setCommentAndVerify(ctx, m, channelID, 0, videoID, commentID)
}

// cmdSetCommentB is the explicit form: channel, video, and comment given
// directly, no resolution step.
func (b *Bot) cmdSetCommentB(ctx context.Context, m *discordgo.MessageCreate, args []string) (string, error) {
	if len(args) != 3 {
		return "", human("usage: setcommentb <channel> <video id> <comment id>", nil)
	}
	channelID, channelN, err := parseChannelArg(args[0])
	if err != nil {
		return "", err
	}
	return b.setCommentAndVerify(ctx, m, channelID, channelN, args[1], args[2])
}

func (b *Bot) setCommentAndVerify(ctx context.Context, m *discordgo.MessageCreate, channelID string, channelN int64, videoID, commentID string) (string, error) {
	if err := verify.SetComment(ctx, b.DB, m.Author.ID, channelID, channelN, videoID, commentID); err != nil {
		return "", err
	}
	res, err := b.Verifier.Verify(ctx, m.Author.ID, channelID, channelN)
	if err != nil {
		return "", err
	}
	if b.Reconciler != nil {
		for _, rerr := range b.Reconciler.ApplyTransition(ctx, res) {
			telemetryRoleWarn(ctx, rerr)
		}
	}
	if !res.IsMember {
		var sb strings.Builder
		sb.WriteString(ack + " (not a member)")
		for _, r := range res.Reasons {
			sb.WriteString("\n`  `")
			sb.WriteString(r.String())
		}
		return sb.String(), nil
	}
	return ack, nil
}

func (b *Bot) cmdStatus(ctx context.Context, discordID string) (string, error) {
	statuses, err := verify.ListStatuses(ctx, b.DB, discordID)
	if err != nil {
		return "", err
	}
	if len(statuses) == 0 {
		return "No configured channels", nil
	}
	parts := make([]string, 0, len(statuses))
	for i := range statuses {
		parts = append(parts, formatStatus(&statuses[i]))
	}
	return strings.Join(parts, "\n"), nil
}

func (b *Bot) cmdVerify(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return "", human("usage: verify <discord id> <channel>", nil)
	}
	channelID, channelN, err := parseChannelArg(args[1])
	if err != nil {
		return "", err
	}
	res, err := b.Verifier.Verify(ctx, args[0], channelID, channelN)
	if err != nil {
		return "", err
	}
	if b.Reconciler != nil {
		for _, rerr := range b.Reconciler.ApplyTransition(ctx, res) {
			telemetryRoleWarn(ctx, rerr)
		}
	}
	return ack, nil
}

func (b *Bot) cmdSyncMembers(ctx context.Context, m *discordgo.MessageCreate, args []string) (string, error) {
	guildID := m.GuildID
	if len(args) >= 1 {
		guildID = args[0]
	}
	if guildID == "" {
		return "", human("must specify a guild id or run in a guild", nil)
	}
	res, err := b.Reconciler.SyncGuild(ctx, guildID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("synced: %d added, %d removed, %d errors", res.Added, res.Removed, len(res.Errors)), nil
}

func (b *Bot) cmdSetRole(ctx context.Context, args []string) (string, error) {
	switch len(args) {
	case 3:
		if err := roles.SetRoleMapping(ctx, b.DB, args[0], args[1], args[2]); err != nil {
			return "", human("could not set role mapping", err)
		}
	case 2:
		if err := roles.RemoveRoleMapping(ctx, b.DB, args[0], args[1]); err != nil {
			return "", err
		}
	default:
		return "", human("usage: setrole <guild id> <role id> [channel]", nil)
	}
	return ack, nil
}

func (b *Bot) cmdCheckOverPaired(ctx context.Context) (string, error) {
	purged, err := verify.PurgeOverPaired(ctx, b.DB, b.Cfg.OverpairLimit)
	if err != nil {
		return "", err
	}
	if len(purged) == 0 {
		return "no over-paired accounts", nil
	}
	return fmt.Sprintf("purged %d over-paired accounts: %s", len(purged), strings.Join(purged, ", ")), nil
}
