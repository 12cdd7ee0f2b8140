package home

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
)

const queuePageSize = 15

func handleVoiceQueue(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	sess, ok := lookupSession(event)
	if !ok {
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
		return
	}
	st, err := sess.Status(context.Background())
	if err != nil {
		replyVoice(event, sys.ErrVoiceNothingPlaying, true)
		return
	}
	replyVoice(event, renderQueue(st), false)
}

func renderQueue(st proc.Status) string {
	var sb strings.Builder

	sb.WriteString(sys.MsgVoiceQueueHeader)
	sb.WriteString("\n")
	switch st.Phase.State {
	case proc.StatePlaying:
		sb.WriteString(st.Phase.Track)
	case proc.StateAcquiring:
		sb.WriteString(fmt.Sprintf(sys.MsgVoiceQueueFetching, st.Phase.Track))
	default:
		sb.WriteString(sys.MsgVoiceQueueEmpty)
	}

	sb.WriteString("\n\n")
	sb.WriteString(sys.MsgVoiceQueueTitle)
	sb.WriteString("\n")
	if len(st.Queue) == 0 {
		sb.WriteString(sys.MsgVoiceQueueEmpty)
		return sb.String()
	}

	for i, link := range st.Queue {
		if i == queuePageSize {
			sb.WriteString(fmt.Sprintf(sys.MsgVoiceQueueMore, len(st.Queue)-queuePageSize))
			break
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, link))
		if i == 0 && st.Prefetched == link {
			sb.WriteString(" ✅")
		}
	}
	return sb.String()
}
