package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"supportbot/internal/domain"
)

const discordMaxMsgLen = 2000

// discordAPI is the subset of *discordgo.Session used to reply.
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord implements domain.Channel for a Discord bot. Escalation replies
// carry buttons that answer the ticket offer.
type Discord struct {
	token   string
	guildID string
	botID   string
	api     discordAPI
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string // empty listens everywhere the bot is invited
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord and blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.attach(session, bus)

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(m)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionMessageComponent {
			return
		}
		// Acknowledge and drop the buttons.
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{Components: []discordgo.MessageComponent{}},
		})
		d.handleComponent(i)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.botID = session.State.User.ID
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) attach(api discordAPI, bus domain.MessageBus) {
	d.api = api
	d.bus = bus
	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChatID, msg.Content, isTicketOffer(msg))
	})
}

func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	if d.api == nil {
		return fmt.Errorf("discord: not connected")
	}
	d.sendMessage(chatID, content, false)
	return nil
}

func (d *Discord) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == d.botID {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	d.logger.Info("discord message received",
		"author", m.Author.Username,
		"channel_id", m.ChannelID,
		"content_len", len(text),
	)
	d.publish(m.ChannelID, m.Author.ID, text)
}

// handleComponent maps a ticket-offer button press to the typed answer.
func (d *Discord) handleComponent(i *discordgo.InteractionCreate) {
	answer, ok := ticketAnswer(i.MessageComponentData().CustomID)
	if !ok {
		return
	}
	var userID string
	switch {
	case i.Member != nil && i.Member.User != nil:
		userID = i.Member.User.ID
	case i.User != nil:
		userID = i.User.ID
	}
	d.publish(i.ChannelID, userID, answer)
}

func (d *Discord) publish(channelID, userID, text string) {
	err := d.bus.Publish(domain.InboundMessage{
		Channel:   "discord",
		ChatID:    channelID,
		SenderID:  userID,
		Content:   text,
		Timestamp: time.Now(),
	})
	if err != nil {
		d.logger.Warn("discord message dropped", "channel_id", channelID, "err", err)
	}
}

func discordTicketButtons() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: labelTicketYes, Style: discordgo.PrimaryButton, CustomID: actionTicketYes},
			discordgo.Button{Label: labelTicketNo, Style: discordgo.SecondaryButton, CustomID: actionTicketNo},
		}},
	}
}

func (d *Discord) sendMessage(channelID, content string, ticketOffer bool) {
	chunks := splitMessage(content, discordMaxMsgLen)
	for i, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk}
		if ticketOffer && i == len(chunks)-1 {
			data.Components = discordTicketButtons()
		}
		if _, err := d.api.ChannelMessageSendComplex(channelID, data); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}
