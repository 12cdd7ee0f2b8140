package home

import (
	"context"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
)

const (
	historyKeep       = 200
	evictionInterval  = time.Minute
	voiceShutdownWait = 15 * time.Second
)

var (
	voiceOnce    sync.Once
	voiceReady   = make(chan struct{})
	voiceManager *proc.Manager
	notifiers    *proc.ChannelNotifiers
	searcher     = proc.NewSearcher()
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	connectPerm := discord.PermissionConnect

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:                     "voice",
		Description:              "Voice System",
		DefaultMemberPermissions: omit.New(&connectPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Queue a song by URL or search",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "A link, or words to search for (prefix with yt: for YouTube)",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "join",
				Description: "Join or move to your voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Clear the queue but keep the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Stop everything and leave the voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show what is playing and what is next",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show recently played songs",
			},
		},
	}, func(event *events.ApplicationCommandInteractionCreate) {
		data := event.SlashCommandInteractionData()
		if data.SubCommandName == nil {
			return
		}
		if event.GuildID() == nil {
			replyVoice(event, sys.ErrVoiceNotInGuild, true)
			return
		}

		switch *data.SubCommandName {
		case "play":
			handleVoicePlay(event, data)
		case "join":
			handleVoiceJoin(event, data)
		case "skip":
			handleVoiceSkip(event, data)
		case "stop":
			handleVoiceStop(event, data)
		case "clear":
			handleVoiceClear(event, data)
		case "leave":
			handleVoiceLeave(event, data)
		case "queue":
			handleVoiceQueue(event, data)
		case "history":
			handleVoiceHistory(event, data)
		}
	})

	sys.RegisterAutocompleteHandler("voice", handleVoiceAutocomplete)
	sys.OnClientReady(setupVoice)
}

// setupVoice builds the session manager once the gateway is up and hooks it
// into the daemon and voice-state systems.
func setupVoice(ctx context.Context, client *bot.Client) {
	voiceOnce.Do(func() {
		cfg := sys.GlobalConfig

		slots := proc.NewSlotManager(cfg.AudioCacheDir)
		if err := slots.Purge(); err != nil {
			sys.LogVoice("Failed to clean audio cache %s: %v", cfg.AudioCacheDir, err)
		}

		voiceManager = proc.NewManager(proc.SessionConfig{
			Slots:         slots,
			Fetcher:       proc.NewYtdlpFetcher(cfg.AudioFormat, cfg.YoutubeProxy, cfg.FetchTimeout),
			PrefetchDelay: cfg.PrefetchDelay,
			Announce:      cfg.AnnounceTracks,
			Recorder:      recordPlay,
		}, func(key snowflake.ID) proc.Player {
			return proc.NewVoicePlayer(client, key)
		})
		notifiers = proc.NewChannelNotifiers(client)
		close(voiceReady)

		sys.RegisterDaemon(sys.LogVoice, func(ctx context.Context) (bool, func(), func()) {
			run := func() {
				if cfg.IdleTimeout <= 0 {
					return
				}
				ticker := time.NewTicker(evictionInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						for _, key := range voiceManager.EvictIdle(ctx, cfg.IdleTimeout) {
							sys.LogVoice(sys.MsgVoiceSessionEvicted, key)
						}
					}
				}
			}
			shutdown := func() {
				sys.LogVoice(sys.MsgVoiceShutdown)
				sctx, cancel := context.WithTimeout(context.Background(), voiceShutdownWait)
				defer cancel()
				voiceManager.Shutdown(sctx)
			}
			return true, run, shutdown
		})

		sys.RegisterDaemon(sys.LogVoice, func(ctx context.Context) (bool, func(), func()) {
			rotator := proc.NewPresenceRotator(client, voiceManager)
			return true, func() { rotator.Run(ctx) }, nil
		})

		sys.RegisterVoiceStateUpdateHandler(onVoiceStateUpdate)
	})
}

func recordPlay(ctx context.Context, guildID snowflake.ID, link string, prefetched bool) error {
	if err := sys.RecordPlay(ctx, guildID, link, prefetched); err != nil {
		return err
	}
	_, err := sys.PrunePlays(ctx, guildID, historyKeep)
	return err
}

// onVoiceStateUpdate tracks the bot being moved or kicked by someone else.
func onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != event.Client().ID() {
		return
	}
	sess, ok := voiceManager.Lookup(event.VoiceState.GuildID)
	if !ok {
		return
	}
	player, ok := sess.Player().(*proc.VoicePlayer)
	if !ok {
		return
	}

	if event.VoiceState.ChannelID == nil {
		if player.Active() {
			sys.LogVoice(sys.MsgVoiceDisconnectedExternally, event.VoiceState.GuildID)
			player.MarkDisconnected()
		}
		return
	}
	if *event.VoiceState.ChannelID != player.ChannelID() {
		sys.LogVoice("Bot moved to %s in guild %s", *event.VoiceState.ChannelID, event.VoiceState.GuildID)
		player.MarkMoved(*event.VoiceState.ChannelID)
	}
}

// manager returns the session manager, or nil before the client is ready.
func manager() *proc.Manager {
	select {
	case <-voiceReady:
		return voiceManager
	default:
		return nil
	}
}

// userVoiceChannel returns the channel the invoking member is connected to.
func userVoiceChannel(event *events.ApplicationCommandInteractionCreate) (snowflake.ID, bool) {
	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		return 0, false
	}
	return *vs.ChannelID, true
}

// joinInvoker connects the guild session to the invoker's channel and binds
// notifications to the channel the command came from.
func joinInvoker(ctx context.Context, event *events.ApplicationCommandInteractionCreate, m *proc.Manager) (*proc.Session, snowflake.ID, error) {
	channelID, ok := userVoiceChannel(event)
	if !ok {
		return nil, 0, errUserNotInVoice
	}
	sess := m.Session(*event.GuildID())
	if err := sess.BindNotifier(ctx, notifiers.For(*event.GuildID(), event.Channel().ID())); err != nil {
		return nil, 0, err
	}
	if err := sess.Join(ctx, channelID); err != nil {
		return nil, 0, err
	}
	return sess, channelID, nil
}

func replyVoice(event *events.ApplicationCommandInteractionCreate, content string, ephemeral bool) {
	if err := sys.RespondInteractionV2(*event.Client(), event, sys.TextContainer(content), ephemeral); err != nil {
		sys.LogVoiceDebug("Failed to respond to /voice: %v", err)
	}
}

func editVoice(event *events.ApplicationCommandInteractionCreate, content string) {
	if err := sys.EditInteractionV2(*event.Client(), event, sys.TextContainer(content)); err != nil {
		sys.LogVoiceDebug("Failed to edit /voice response: %v", err)
	}
}
