package home

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/jukebox/sys"
)

const historyPageSize = 10

func handleVoiceHistory(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	plays, err := sys.RecentPlays(context.Background(), *event.GuildID(), historyPageSize)
	if err != nil {
		sys.LogDatabase("Failed to load play history for guild %s: %v", *event.GuildID(), err)
		replyVoice(event, sys.ErrVoiceHistoryFailed, true)
		return
	}
	replyVoice(event, renderHistory(plays), false)
}

func renderHistory(plays []*sys.PlayRecord) string {
	var sb strings.Builder
	sb.WriteString(sys.MsgVoiceHistoryTitle)
	sb.WriteString("\n")
	if len(plays) == 0 {
		sb.WriteString(sys.MsgVoiceHistoryEmpty)
		return sb.String()
	}
	for i, p := range plays {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("<t:%d:R> %s", p.PlayedAt.Unix(), p.Link))
	}
	return sb.String()
}
