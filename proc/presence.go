package proc

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/gateway"
	"github.com/leeineian/jukebox/sys"
)

const configKeyPresence = "presence_visible"

var StartTime = time.Now().UTC()

func presenceInterval() time.Duration {
	return time.Duration(15+rand.Intn(46)) * time.Second
}

// PresenceRotator cycles the bot's activity through a few live figures about
// the voice sessions it is serving.
type PresenceRotator struct {
	client  *bot.Client
	manager *Manager
	last    string
}

func NewPresenceRotator(client *bot.Client, m *Manager) *PresenceRotator {
	return &PresenceRotator{client: client, manager: m}
}

func (r *PresenceRotator) Run(ctx context.Context) {
	for {
		next := presenceInterval()
		r.update(ctx, next)
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return
		}
	}
}

func (r *PresenceRotator) update(ctx context.Context, next time.Duration) {
	if visible, err := sys.GetBotConfig(ctx, configKeyPresence); err != nil || visible == "false" {
		r.client.SetPresence(ctx, gateway.WithOnlineStatus(discord.OnlineStatusOnline))
		return
	}

	candidates := presenceCandidates(collectStatuses(ctx, r.manager), time.Since(StartTime))
	if ping := r.client.Gateway.Latency(); ping > 0 {
		candidates = append(candidates, fmt.Sprintf("Ping: %dms", ping.Milliseconds()))
	}
	text := pickPresence(candidates, r.last)
	r.last = text

	err := r.client.SetPresence(ctx,
		gateway.WithOnlineStatus(discord.OnlineStatusOnline),
		gateway.WithListeningActivity(text),
	)
	if err != nil {
		sys.LogVoice(sys.MsgPresenceUpdateFail, err)
		return
	}
	sys.LogVoiceDebug(sys.MsgPresenceRotated, text, next)
}

func collectStatuses(ctx context.Context, m *Manager) []Status {
	var out []Status
	for _, key := range m.Keys() {
		s, ok := m.Lookup(key)
		if !ok {
			continue
		}
		st, err := s.Status(ctx)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// presenceCandidates always yields at least the uptime line.
func presenceCandidates(statuses []Status, uptime time.Duration) []string {
	var playing, queued int
	for _, st := range statuses {
		if st.Phase.State == StatePlaying {
			playing++
		}
		queued += len(st.Queue)
	}

	var out []string
	if playing > 0 {
		out = append(out, fmt.Sprintf("music in %d server(s)", playing))
	}
	if queued > 0 {
		out = append(out, fmt.Sprintf("%d queued track(s)", queued))
	}
	out = append(out, fmt.Sprintf("Uptime: %dh %dm", int(uptime.Hours()), int(uptime.Minutes())%60))
	return out
}

// pickPresence chooses at random, avoiding last unless it is the only choice.
func pickPresence(candidates []string, last string) string {
	var fresh []string
	for _, c := range candidates {
		if c != last {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return candidates[0]
	}
	return fresh[rand.Intn(len(fresh))]
}
