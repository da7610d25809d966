package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"supportbot/internal/domain"
)

const slackMaxMsgLen = 3000 // section block text limit

// slackAPI is the subset of *slack.Client used to reply.
type slackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	api      slackAPI
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects via Socket Mode and blocks until ctx is cancelled.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	client := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))

	authResp, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	s.attach(client, bus)
	socketClient := socketmode.New(client)

	go func() {
		for evt := range socketClient.Events {
			if evt.Request != nil {
				socketClient.Ack(*evt.Request)
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				if ev, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
					s.handleEventsAPI(ev)
				}
			case socketmode.EventTypeSlashCommand:
				if cmd, ok := evt.Data.(slack.SlashCommand); ok {
					s.handleSlashCommand(cmd)
				}
			case socketmode.EventTypeInteractive:
				if cb, ok := evt.Data.(slack.InteractionCallback); ok {
					s.handleInteraction(cb)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) attach(api slackAPI, bus domain.MessageBus) {
	s.api = api
	s.bus = bus
	bus.OnOutbound("slack", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		s.sendMessage(msg.ChatID, msg.Content, isTicketOffer(msg))
	})
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	if s.api == nil {
		return fmt.Errorf("slack: not connected")
	}
	s.sendMessage(chatID, content, false)
	return nil
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Skip the bot's own posts and edits.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" || ev.BotID != "" {
			return
		}
		s.logger.Info("slack message received",
			"user", ev.User,
			"channel", ev.Channel,
			"content_len", len(ev.Text),
		)
		s.publish(ev.Channel, ev.User, ev.Text)

	case *slackevents.AppMentionEvent:
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = content[idx+1:]
		}
		s.logger.Info("slack mention received", "user", ev.User, "channel", ev.Channel)
		s.publish(ev.Channel, ev.User, content)
	}
}

// handleSlashCommand forwards "/soporte reset" style commands as "/reset".
func (s *Slack) handleSlashCommand(cmd slack.SlashCommand) {
	s.logger.Info("slack slash command",
		"command", cmd.Command,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)
	content := strings.TrimSpace(cmd.Text)
	if content != "" && !strings.HasPrefix(content, "/") && len(strings.Fields(content)) == 1 {
		content = "/" + content
	}
	if content == "" {
		content = "/help"
	}
	s.publish(cmd.ChannelID, cmd.UserID, content)
}

// handleInteraction maps a ticket-offer button press to the typed answer.
func (s *Slack) handleInteraction(cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if answer, ok := ticketAnswer(action.ActionID); ok {
			s.publish(cb.Channel.ID, cb.User.ID, answer)
			return
		}
	}
}

func (s *Slack) publish(channelID, userID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	err := s.bus.Publish(domain.InboundMessage{
		Channel:   "slack",
		ChatID:    channelID,
		SenderID:  userID,
		Content:   text,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Warn("slack message dropped", "channel", channelID, "err", err)
	}
}

// toSlackMarkdown converts the **bold** replies use into Slack's *bold*.
func toSlackMarkdown(text string) string {
	return strings.ReplaceAll(text, "**", "*")
}

func slackTicketBlock() slack.Block {
	return slack.NewActionBlock("ticket_offer",
		slack.NewButtonBlockElement(actionTicketYes, "yes",
			slack.NewTextBlockObject(slack.PlainTextType, labelTicketYes, false, false)).WithStyle(slack.StylePrimary),
		slack.NewButtonBlockElement(actionTicketNo, "no",
			slack.NewTextBlockObject(slack.PlainTextType, labelTicketNo, false, false)),
	)
}

func (s *Slack) sendMessage(channelID, content string, ticketOffer bool) {
	chunks := splitMessage(toSlackMarkdown(content), slackMaxMsgLen)
	for i, chunk := range chunks {
		blocks := []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil),
		}
		if ticketOffer && i == len(chunks)-1 {
			blocks = append(blocks, slackTicketBlock())
		}
		_, _, err := s.api.PostMessage(channelID,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionBlocks(blocks...),
		)
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}
