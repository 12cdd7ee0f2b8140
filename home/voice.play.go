package home

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
)

const playTimeout = 30 * time.Second

var errUserNotInVoice = errors.New("user is not in a voice channel")

func handleVoicePlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")

	m := manager()
	if m == nil {
		replyVoice(event, sys.ErrVoiceSessionUnavailable, true)
		return
	}
	if _, ok := userVoiceChannel(event); !ok {
		replyVoice(event, sys.ErrVoiceUserNotInChannel, true)
		return
	}

	// search and voice join can outlast the 3s interaction window
	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()

	link, err := searcher.Resolve(ctx, query)
	if err != nil {
		if errors.Is(err, proc.ErrNoResults) {
			editVoice(event, sys.ErrVoiceNoResults)
			return
		}
		sys.LogSearch(sys.MsgVoiceSearchFailed, query, err)
		editVoice(event, sys.ErrVoiceNoResults)
		return
	}

	sess, _, err := joinInvoker(ctx, event, m)
	if err != nil {
		editVoice(event, fmt.Sprintf(sys.MsgVoiceJoinFailed, err))
		return
	}

	pos, err := sess.Enqueue(ctx, link)
	if err != nil {
		editVoice(event, fmt.Sprintf(sys.MsgVoiceJoinFailed, err))
		return
	}
	if pos == 0 {
		editVoice(event, fmt.Sprintf(sys.MsgVoiceQueued, link))
		return
	}
	editVoice(event, fmt.Sprintf(sys.MsgVoiceQueuedPosition, link, pos))
}

func handleVoiceAutocomplete(event *events.AutocompleteInteractionCreate) {
	focused := event.Data.Focused()
	if focused.Name != "query" {
		return
	}
	query := focused.String()
	if query == "" || proc.IsLink(query) {
		_ = event.AutocompleteResult(nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	results, err := searcher.Search(ctx, query)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	choices := make([]discord.AutocompleteChoice, 0, len(results))
	for _, r := range results {
		// choice values are capped at 100 characters
		if len(r.URL) > 100 {
			continue
		}
		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  sys.Truncate(r.Title, 100),
			Value: r.URL,
		})
	}
	_ = event.AutocompleteResult(choices)
}
