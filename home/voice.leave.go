package home

import (
	"context"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/jukebox/sys"
)

func handleVoiceLeave(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	m := manager()
	if m == nil {
		replyVoice(event, sys.ErrVoiceSessionUnavailable, true)
		return
	}
	if _, ok := m.Lookup(*event.GuildID()); !ok {
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
		return
	}

	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(context.Background(), voiceShutdownWait)
	defer cancel()
	if err := m.Evict(ctx, *event.GuildID()); err != nil {
		sys.LogVoice("Failed to leave voice in guild %s: %v", *event.GuildID(), err)
	}
	editVoice(event, sys.MsgVoiceLeft)
}
