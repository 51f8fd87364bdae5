package bot

import (
	_ "embed"
	"strings"

	"github.com/bwmarrin/discordgo"
)

//go:embed guide.md
var guideText string

// guideParts substitutes the configured default proof location into the
// guide and splits it into embed-sized parts.
func (b *Bot) guideParts() []string {
	text := strings.NewReplacer(
		"{video_id}", b.Cfg.TokenVideoID,
		"{channel_id}", b.Cfg.TokenChannelID,
		"{support_text}", b.Cfg.SupportText,
	).Replace(guideText)
	raw := strings.Split(text, ">---")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func (b *Bot) cmdGuide(m *discordgo.MessageCreate) (string, error) {
	for _, part := range b.guideParts() {
		_, err := b.Session.ChannelMessageSendEmbed(m.ChannelID, &discordgo.MessageEmbed{
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Guide", Value: part, Inline: true},
			},
		})
		if err != nil {
			return "", err
		}
	}
	return "", nil
}
