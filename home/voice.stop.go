package home

import (
	"context"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/jukebox/sys"
)

func handleVoiceStop(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	sess, ok := lookupSession(event)
	if !ok {
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
		return
	}

	cleared, err := sess.Stop(context.Background())
	if err != nil {
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
		return
	}
	replyVoice(event, fmt.Sprintf(sys.MsgVoiceStopped, cleared), false)
}
