package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/ventriloquist/internal/chat"
	discordadapter "github.com/zulandar/ventriloquist/internal/chat/discord"
	"github.com/zulandar/ventriloquist/internal/chat/line"
	slackadapter "github.com/zulandar/ventriloquist/internal/chat/slack"
	"github.com/zulandar/ventriloquist/internal/clova"
	"github.com/zulandar/ventriloquist/internal/config"
	"github.com/zulandar/ventriloquist/internal/db"
	"github.com/zulandar/ventriloquist/internal/dispatch"
	"github.com/zulandar/ventriloquist/internal/durable"
	"github.com/zulandar/ventriloquist/internal/server"
	"github.com/zulandar/ventriloquist/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice skill and chat bridge",
		Long: `Serves the voice skill endpoint and connects to the configured chat
platform. LINE is reached through its webhook on the same listener; Slack
and Discord through their socket connections. Active sessions left over
from a previous run are resumed before the listener starts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, host, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

// chatTransport is how the bridge talks to the chat platform. Exactly one
// of webhook or adapter is set.
type chatTransport struct {
	messenger chat.Messenger
	webhook   server.Webhook
	adapter   chat.Adapter
}

// newChatTransport builds the client for cfg.Chat.Platform. No connection
// is made here.
func newChatTransport(cfg *config.Config) (*chatTransport, error) {
	switch cfg.Chat.Platform {
	case config.PlatformLine:
		c, err := line.New(line.ClientOpts{
			ChannelSecret: cfg.Chat.Line.ChannelSecret,
			ChannelToken:  cfg.Chat.Line.ChannelToken,
		})
		if err != nil {
			return nil, err
		}
		return &chatTransport{messenger: c, webhook: c}, nil
	case config.PlatformSlack:
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Chat.Slack.AppToken,
			BotToken: cfg.Chat.Slack.BotToken,
		})
		if err != nil {
			return nil, err
		}
		return &chatTransport{messenger: a, adapter: a}, nil
	case config.PlatformDiscord:
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Chat.Discord.BotToken,
		})
		if err != nil {
			return nil, err
		}
		return &chatTransport{messenger: a, adapter: a}, nil
	default:
		return nil, fmt.Errorf("unsupported chat platform %q", cfg.Chat.Platform)
	}
}

func startPolicy(name string) durable.StartPolicy {
	if name == config.LaunchReject {
		return durable.StartReject
	}
	return durable.StartReplace
}

// bridge is the wired set of components behind serve.
type bridge struct {
	engine    *durable.Engine
	transport *chatTransport
	chat      *dispatch.ChatDispatcher
	skill     *clova.Skill
}

// newBridge registers the workflows on eng and wires the dispatchers.
func newBridge(cfg *config.Config, eng *durable.Engine, transport *chatTransport, out io.Writer) (*bridge, error) {
	session.Register(eng, session.NewDeliverer(transport.messenger, cfg.Chat.Messages.TemplateHeader))
	corr := session.NewCorrelator(eng, startPolicy(cfg.Session.LaunchPolicy))

	voice, err := dispatch.NewVoiceDispatcher(dispatch.VoiceOpts{
		Sessions: corr,
		Messages: cfg.Voice.Messages,
		Out:      out,
	})
	if err != nil {
		return nil, err
	}
	chatD, err := dispatch.NewChatDispatcher(dispatch.ChatOpts{
		Store:        corr,
		Messenger:    transport.messenger,
		Messages:     cfg.Chat.Messages,
		PollInterval: time.Duration(cfg.Session.PollIntervalMs) * time.Millisecond,
		RelayTimeout: time.Duration(cfg.Session.RelayTimeoutSec) * time.Second,
		Out:          out,
	})
	if err != nil {
		return nil, err
	}
	skill, err := clova.NewSkill(voice, clova.ResponseOpts{
		SilentAudioURL: cfg.Voice.SilentAudioURL,
		Lang:           cfg.Voice.Lang,
	})
	if err != nil {
		return nil, err
	}
	return &bridge{engine: eng, transport: transport, chat: chatD, skill: skill}, nil
}

// serverOpts returns the HTTP options for the bridge. The webhook route is
// only mounted for webhook platforms.
func (b *bridge) serverOpts(cfg *config.Config, out io.Writer) server.Opts {
	opts := server.Opts{
		Skill:      b.skill,
		Admin:      b.engine,
		AdminToken: cfg.Server.AdminToken,
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Out:        out,
	}
	if b.transport.webhook != nil {
		opts.Webhook = b.transport.webhook
		opts.Chat = b.chat
	}
	return opts
}

func runServe(cmd *cobra.Command, configPath, host string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	eng, err := durable.NewEngine(durable.EngineOpts{
		DB:           gormDB,
		PollInterval: time.Duration(max(cfg.Session.EnginePollIntervalMs, 0)) * time.Millisecond,
		Out:          out,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	transport, err := newChatTransport(cfg)
	if err != nil {
		return err
	}
	b, err := newBridge(cfg, eng, transport, out)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := eng.Recover(ctx); err != nil {
		return err
	}

	if a := transport.adapter; a != nil {
		if err := a.Connect(ctx); err != nil {
			return err
		}
		defer a.Close()
		updates, err := a.Listen(ctx)
		if err != nil {
			return err
		}
		go b.chat.Serve(ctx, updates)
		fmt.Fprintf(out, "Connected to %s\n", cfg.Chat.Platform)
	}

	if cfg.Housekeeping.Enabled {
		statuses, err := parseStatuses(cfg.Housekeeping.Statuses)
		if err != nil {
			return err
		}
		go func() {
			err := durable.RunHousekeeping(ctx, durable.HousekeepingOpts{
				Purger:    eng,
				Cron:      cfg.Housekeeping.Cron,
				Retention: time.Duration(cfg.Housekeeping.RetentionHours) * time.Hour,
				Statuses:  statuses,
				Out:       out,
			})
			if err != nil {
				log.Printf("vq: housekeeping: %v", err)
			}
		}()
		fmt.Fprintf(out, "Housekeeping scheduled (%s)\n", cfg.Housekeeping.Cron)
	}

	return server.Start(ctx, b.serverOpts(cfg, out))
}
