// Package bot is the Discord command surface: prefix commands for token
// issuance, proof-comment binding, status display, and operator maintenance,
// plus DM notifications on membership transitions.
package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/Yarn/gentei-but-jank/config"
	"github.com/Yarn/gentei-but-jank/resolver"
	"github.com/Yarn/gentei-but-jank/roles"
	"github.com/Yarn/gentei-but-jank/telemetry"
	"github.com/Yarn/gentei-but-jank/verify"
)

// Prefix is required in guild channels; DMs take bare commands.
const Prefix = ">>'"

// ack is the bot's standard acknowledgement.
const ack = "thank you thank you"

// Bot wires the command handlers to their backing services.
type Bot struct {
	Session    *discordgo.Session
	DB         *sql.DB
	Cfg        *config.Config
	Verifier   *verify.Verifier
	Reconciler *roles.Reconciler
	Resolver   *resolver.Resolver
}

// Start registers the message handler and opens the gateway connection.
func (b *Bot) Start() error {
	b.Session.AddHandler(b.onMessage)
	b.Session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	slog.Info("discord bot connected")
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() error { return b.Session.Close() }

// humanError carries a message safe to show to the user; everything else is
// replaced by a generic apology with a correlation id.
type humanError struct {
	msg string
	err error
}

func (e *humanError) Error() string { return e.msg }
func (e *humanError) Unwrap() error { return e.err }

func human(msg string, err error) error { return &humanError{msg: msg, err: err} }

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	content := m.Content
	if m.GuildID != "" {
		if !strings.HasPrefix(content, Prefix) {
			return
		}
		content = strings.TrimPrefix(content, Prefix)
	} else {
		content = strings.TrimPrefix(content, Prefix)
	}
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	corr := uuid.NewString()[:8]
	ctx := telemetry.WithCorrelation(context.Background(), corr)
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("command", cmd),
		slog.String("discord_id", m.Author.ID),
	)

	reply, err := b.dispatch(ctx, m, cmd, args)
	if err != nil {
		logger.Error("command failed", slog.Any("err", err))
		msg := fmt.Sprintf("error (%s)", corr)
		var he *humanError
		if errors.As(err, &he) {
			msg += ": " + he.msg
		}
		b.say(m, msg)
		return
	}
	if reply != "" {
		b.say(m, reply)
	}
}

func (b *Bot) say(m *discordgo.MessageCreate, msg string) {
	if _, err := b.Session.ChannelMessageSendReply(m.ChannelID, msg, m.Reference()); err != nil {
		// Replies fail on deleted messages; fall back to a plain send.
		if _, err := b.Session.ChannelMessageSend(m.ChannelID, msg); err != nil {
			slog.Warn("could not send reply", slog.Any("err", err))
		}
	}
}

func (b *Bot) requireOwner(m *discordgo.MessageCreate) error {
	if !b.Cfg.IsOwner(m.Author.ID) {
		return human("operator only", nil)
	}
	return nil
}

func (b *Bot) dispatch(ctx context.Context, m *discordgo.MessageCreate, cmd string, args []string) (string, error) {
	switch cmd {
	case "token", "newtoken":
		return b.cmdToken(ctx, m, args)
	case "cleartoken":
		return b.cmdClearToken(ctx, m, args)
	case "forcetoken":
		if err := b.requireOwner(m); err != nil {
			return "", err
		}
		return b.cmdForceToken(ctx, args)
	case "setcomment":
		return b.cmdSetComment(ctx, m, args)
	case "setcommentb":
		return b.cmdSetCommentB(ctx, m, args)
	case "status":
		return b.cmdStatus(ctx, m.Author.ID)
	case "statusu":
		if err := b.requireOwner(m); err != nil {
			return "", err
		}
		if len(args) != 1 {
			return "", human("usage: statusu <discord id>", nil)
		}
		return b.cmdStatus(ctx, args[0])
	case "verify":
		if err := b.requireOwner(m); err != nil {
			return "", err
		}
		return b.cmdVerify(ctx, args)
	case "syncmembers":
		if err := b.requireOwner(m); err != nil {
			return "", err
		}
		return b.cmdSyncMembers(ctx, m, args)
	case "setrole":
		if err := b.requireOwner(m); err != nil {
			return "", err
		}
		return b.cmdSetRole(ctx, args)
	case "checkoverpaired":
		if err := b.requireOwner(m); err != nil {
			return "", err
		}
		return b.cmdCheckOverPaired(ctx)
	case "guide":
		return b.cmdGuide(m)
	case "help":
		return helpText, nil
	}
	return "", nil
}

// NotifyTransition DMs the user about a membership flip. Failures are logged
// only; notification is best-effort.
func (b *Bot) NotifyTransition(ctx context.Context, res *verify.Result) {
	var msg string
	switch {
	case res.BecameMember():
		msg = fmt.Sprintf("Membership to %s (%s) is now verified", res.ChannelName, res.ChannelID)
	case res.BecameNonMember():
		var sb strings.Builder
		fmt.Fprintf(&sb, "Membership to %s (%s) is no longer verified", res.ChannelName, res.ChannelID)
		for _, r := range res.Reasons {
			sb.WriteString("\n`  `")
			sb.WriteString(r.String())
		}
		msg = sb.String()
	default:
		return
	}
	ch, err := b.Session.UserChannelCreate(res.DiscordID)
	if err != nil {
		slog.Warn("could not open dm channel", slog.String("discord_id", res.DiscordID), slog.Any("err", err))
		return
	}
	if _, err := b.Session.ChannelMessageSend(ch.ID, msg); err != nil {
		slog.Warn("could not send transition dm", slog.String("discord_id", res.DiscordID), slog.Any("err", err))
	}
}
