package home

import (
	"context"
	"errors"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/jukebox/sys"
)

func handleVoiceJoin(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	m := manager()
	if m == nil {
		replyVoice(event, sys.ErrVoiceSessionUnavailable, true)
		return
	}

	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()

	_, channelID, err := joinInvoker(ctx, event, m)
	if err != nil {
		if errors.Is(err, errUserNotInVoice) {
			editVoice(event, sys.ErrVoiceUserNotInChannel)
			return
		}
		editVoice(event, fmt.Sprintf(sys.MsgVoiceJoinFailed, err))
		return
	}
	editVoice(event, fmt.Sprintf(sys.MsgVoiceJoined, channelID))
}
