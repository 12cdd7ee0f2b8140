package home

import (
	"context"
	"errors"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
)

func handleVoiceSkip(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	sess, ok := lookupSession(event)
	if !ok {
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
		return
	}

	skipped, err := sess.Skip(context.Background())
	var cf *proc.ConnectionFailure
	switch {
	case errors.As(err, &cf):
		replyVoice(event, sys.MsgVoiceNotConnected, true)
	case errors.Is(err, proc.ErrNotPlaying), errors.Is(err, proc.ErrSessionClosed):
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
	case err != nil:
		sys.LogVoice("Skip failed in guild %s: %v", *event.GuildID(), err)
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
	case skipped == "":
		replyVoice(event, sys.MsgVoiceResumed, false)
	default:
		replyVoice(event, fmt.Sprintf(sys.MsgVoiceSkipped, skipped), false)
	}
}

// lookupSession returns the guild's session without creating one.
func lookupSession(event *events.ApplicationCommandInteractionCreate) (*proc.Session, bool) {
	m := manager()
	if m == nil {
		return nil, false
	}
	return m.Lookup(*event.GuildID())
}
