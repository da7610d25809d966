package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"supportbot/internal/agent"
	"supportbot/internal/bus"
	"supportbot/internal/channel"
	"supportbot/internal/domain"
	"supportbot/internal/kb"
)

const (
	busBufferSize     = 100
	shutdownTimeout   = 10 * time.Second
	sweepInterval     = time.Minute
	embedRetryInitial = 15 * time.Second
	embedRetryMax     = 5 * time.Minute
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive support chat in the terminal",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.rebuild(ctx); err != nil {
		logger.Warn("starting without a knowledge base", "err", err)
	}

	messageBus := bus.New(busBufferSize, logger)
	defer messageBus.Close()

	loop := a.newLoop(messageBus)
	go loop.Run(ctx)

	cli := channel.NewCLI(channel.CLIConfig{Logger: logger})
	return cli.Start(ctx, messageBus)
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the chat loop with every enabled channel",
		Long:  "Starts the enabled channels (Telegram, Discord, Slack, HTTP API, WebSocket), the knowledge base watcher and the chat loop. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func (a *app) newLoop(messageBus domain.MessageBus) *agent.Loop {
	return agent.NewLoop(agent.LoopConfig{
		Retriever:    a.engine,
		Store:        a.store,
		Tickets:      a.ticketSink(),
		Bus:          messageBus,
		Events:       a.events,
		Logger:       logger,
		Concurrency:  a.cfg.General.MaxConcurrentMessages,
		HistoryLimit: a.cfg.Memory.MaxHistoryPerConversation,
		Timeout:      a.requestTimeout(),
	})
}

// buildChannels returns every enabled channel. The API, when enabled, is
// returned last so the WebSocket handler it mounts is already built.
func (a *app) buildChannels(loop *agent.Loop) []domain.Channel {
	cc := a.cfg.Channels
	var chans []domain.Channel

	if cc.Telegram.Enabled {
		chans = append(chans, channel.NewTelegram(channel.TelegramConfig{
			Token:     cc.Telegram.Token,
			AllowFrom: cc.Telegram.AllowFrom,
			ParseMode: cc.Telegram.ParseMode,
			Logger:    logger,
		}))
	}
	if cc.Discord.Enabled {
		chans = append(chans, channel.NewDiscord(channel.DiscordConfig{
			Token:   cc.Discord.Token,
			GuildID: cc.Discord.GuildID,
			Logger:  logger,
		}))
	}
	if cc.Slack.Enabled {
		chans = append(chans, channel.NewSlack(channel.SlackConfig{
			BotToken: cc.Slack.BotToken,
			AppToken: cc.Slack.AppToken,
			Logger:   logger,
		}))
	}

	var ws *channel.WebSocketChannel
	if cc.WebSocket.Enabled {
		ws = channel.NewWebSocketChannel(channel.WSConfig{Logger: logger})
		chans = append(chans, ws)
	}

	if a.cfg.API.Enabled {
		apiCfg := channel.APIConfig{
			Host:    a.cfg.API.Host,
			Port:    a.cfg.API.Port,
			APIKey:  a.cfg.API.APIKey,
			Chat:    loop,
			Engine:  a.engine,
			Tickets: a.store,
			Events:  a.events,
			Logger:  logger,
		}
		if a.cfg.Metrics.Enabled {
			apiCfg.MetricsPath = a.cfg.Metrics.Endpoint
		}
		if ws != nil {
			apiCfg.WebSocket = ws
			apiCfg.WebSocketPath = cc.WebSocket.Path
		}
		chans = append(chans, channel.NewAPI(apiCfg))
	}
	return chans
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if name := a.factory.HealthyEmbedder(ctx); name == "" {
		logger.Warn("no embedder is healthy at startup; searches stay lexical only until it recovers")
	} else {
		logger.Info("embedder healthy", "embedder", name)
	}
	if _, err := a.rebuild(ctx); err != nil {
		logger.Warn("starting without a knowledge base", "err", err)
	}

	messageBus := bus.New(busBufferSize, logger)
	loop := a.newLoop(messageBus)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	a.watchKnowledge(ctx, &wg)
	a.sweepIdle(ctx, &wg, loop)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.engine.RetryEmbeddings(ctx, embedRetryInitial, embedRetryMax)
	}()

	chans := a.buildChannels(loop)
	if len(chans) == 0 {
		return errors.New("no channel enabled; enable telegram, discord, slack or api in the config")
	}
	for _, ch := range chans {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range chans {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		messageBus.Close()
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// watchKnowledge rebuilds the engine whenever the knowledge base file
// changes. Changes are announced as kb.changed; the rebuild subscribes to it.
func (a *app) watchKnowledge(ctx context.Context, wg *sync.WaitGroup) {
	a.events.On(bus.EventKBChanged, func(bus.Event) {
		if _, err := a.rebuild(ctx); err != nil {
			logger.Warn("keeping the previous knowledge base", "err", err)
		}
	})
	if !a.cfg.Knowledge.Watch {
		return
	}
	w, err := kb.NewWatcher(kb.WatcherConfig{
		Path: a.cfg.Knowledge.Path,
		OnChange: func(context.Context) {
			a.events.Emit(bus.Event{
				Type:    bus.EventKBChanged,
				Source:  "watcher",
				Payload: map[string]any{"path": a.cfg.Knowledge.Path},
			})
		},
		Logger: logger,
	})
	if err != nil {
		logger.Warn("knowledge base watcher disabled", "err", err)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
}

// sweepIdle drops rolling context and open ticket offers of users idle
// longer than the configured limit.
func (a *app) sweepIdle(ctx context.Context, wg *sync.WaitGroup, loop *agent.Loop) {
	idle := time.Duration(a.cfg.General.ContextIdleMinutes) * time.Minute
	if idle <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				contexts := a.engine.SweepContexts(idle)
				offers := loop.SweepOffers(idle)
				if contexts+offers > 0 {
					logger.Debug("idle users dropped", "contexts", contexts, "offers", offers)
				}
			}
		}
	}()
}
