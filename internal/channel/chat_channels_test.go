package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"supportbot/internal/domain"
)

var escalation = &domain.RoutingDecision{Outcome: domain.OutcomeLowConfidence}

// --- Discord ---

type fakeDiscord struct {
	mu   sync.Mutex
	sent []*discordgo.MessageSend
	err  error
}

func (f *fakeDiscord) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return &discordgo.Message{}, f.err
}

func newTestDiscord() (*Discord, *fakeDiscord, *captureBus) {
	d := NewDiscord(DiscordConfig{Token: "x", GuildID: "g1", Logger: testLogger()})
	d.botID = "bot"
	api := &fakeDiscord{}
	b := newCaptureBus()
	d.attach(api, b)
	return d, api, b
}

func TestDiscord_PublishesMessages(t *testing.T) {
	d, _, b := newTestDiscord()

	d.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "c1", GuildID: "g1", Content: " la vpn no conecta ",
		Author: &discordgo.User{ID: "u1", Username: "ana"},
	}})
	// Other guild, bots and self are ignored.
	d.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "c2", GuildID: "g2", Content: "hola", Author: &discordgo.User{ID: "u2"},
	}})
	d.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "c1", GuildID: "g1", Content: "hola", Author: &discordgo.User{ID: "u3", Bot: true},
	}})
	d.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "c1", GuildID: "g1", Content: "hola", Author: &discordgo.User{ID: "bot"},
	}})

	msgs := b.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].UserKey() != "discord:c1" || msgs[0].Content != "la vpn no conecta" {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
}

func TestDiscord_EscalationCarriesButtons(t *testing.T) {
	_, api, b := newTestDiscord()

	b.SendOutbound(domain.OutboundMessage{Channel: "discord", ChatID: "c1", Content: "¿Creo un ticket?", Decision: escalation})
	b.SendOutbound(domain.OutboundMessage{Channel: "discord", ChatID: "c1", Content: "Paso 1"})

	if len(api.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(api.sent))
	}
	if len(api.sent[0].Components) != 1 {
		t.Fatalf("expected button row on escalation, got %d components", len(api.sent[0].Components))
	}
	row := api.sent[0].Components[0].(discordgo.ActionsRow)
	if btn := row.Components[0].(discordgo.Button); btn.CustomID != actionTicketYes {
		t.Fatalf("expected yes button first, got %q", btn.CustomID)
	}
	if len(api.sent[1].Components) != 0 {
		t.Fatal("expected no buttons on an answer")
	}
}

func TestDiscord_LongReplyButtonsOnLastChunk(t *testing.T) {
	_, api, b := newTestDiscord()
	long := strings.Repeat("a", discordMaxMsgLen+10)

	b.SendOutbound(domain.OutboundMessage{Channel: "discord", ChatID: "c1", Content: long, Decision: escalation})

	if len(api.sent) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(api.sent))
	}
	if len(api.sent[0].Components) != 0 || len(api.sent[1].Components) != 1 {
		t.Fatal("expected buttons only on the last chunk")
	}
}

func TestDiscord_ButtonAnswersOffer(t *testing.T) {
	d, _, b := newTestDiscord()

	d.handleComponent(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "c1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u1"}},
		Data:      discordgo.MessageComponentInteractionData{CustomID: actionTicketNo},
	}})

	msgs := b.messages()
	if len(msgs) != 1 || msgs[0].Content != "no" || msgs[0].SenderID != "u1" {
		t.Fatalf("expected one decline, got %+v", msgs)
	}
}

func TestDiscord_SendBeforeConnect(t *testing.T) {
	d := NewDiscord(DiscordConfig{Token: "x", Logger: testLogger()})
	if err := d.Send(context.Background(), "c1", "hola"); err == nil {
		t.Fatal("expected error")
	}
}

// --- Slack ---

type fakeSlack struct {
	mu    sync.Mutex
	posts []map[string]string // channel, text, blocks
}

func (f *fakeSlack) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("x", channelID, "https://slack.com/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, map[string]string{
		"channel": channelID,
		"text":    values.Get("text"),
		"blocks":  values.Get("blocks"),
	})
	return channelID, "1", nil
}

func newTestSlack() (*Slack, *fakeSlack, *captureBus) {
	s := NewSlack(SlackConfig{BotToken: "x", AppToken: "y", Logger: testLogger()})
	s.botUID = "UBOT"
	api := &fakeSlack{}
	b := newCaptureBus()
	s.attach(api, b)
	return s, api, b
}

func slackMessageEvent(ev *slackevents.MessageEvent) slackevents.EventsAPIEvent {
	return slackevents.EventsAPIEvent{
		Type:       slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
	}
}

func TestSlack_PublishesMessages(t *testing.T) {
	s, _, b := newTestSlack()

	s.handleEventsAPI(slackMessageEvent(&slackevents.MessageEvent{User: "U1", Channel: "C1", Text: "la vpn no conecta"}))
	s.handleEventsAPI(slackMessageEvent(&slackevents.MessageEvent{User: "UBOT", Channel: "C1", Text: "eco"}))
	s.handleEventsAPI(slackMessageEvent(&slackevents.MessageEvent{User: "U1", Channel: "C1", Text: "editado", SubType: "message_changed"}))
	s.handleEventsAPI(slackevents.EventsAPIEvent{
		Type:       slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{Data: &slackevents.AppMentionEvent{User: "U2", Channel: "C2", Text: "<@UBOT> no imprime"}},
	})

	msgs := b.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].UserKey() != "slack:C1" || msgs[0].Content != "la vpn no conecta" {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
	if msgs[1].Content != "no imprime" {
		t.Fatalf("expected mention stripped, got %q", msgs[1].Content)
	}
}

func TestSlack_SlashCommand(t *testing.T) {
	s, _, b := newTestSlack()

	s.handleSlashCommand(slack.SlashCommand{Command: "/soporte", Text: "reset", UserID: "U1", ChannelID: "C1"})
	s.handleSlashCommand(slack.SlashCommand{Command: "/soporte", Text: "", UserID: "U1", ChannelID: "C1"})
	s.handleSlashCommand(slack.SlashCommand{Command: "/soporte", Text: "la vpn no conecta", UserID: "U1", ChannelID: "C1"})

	msgs := b.messages()
	want := []string{"/reset", "/help", "la vpn no conecta"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Fatalf("message %d: expected %q, got %q", i, w, msgs[i].Content)
		}
	}
}

func TestSlack_EscalationCarriesButtons(t *testing.T) {
	_, api, b := newTestSlack()

	b.SendOutbound(domain.OutboundMessage{Channel: "slack", ChatID: "C1", Content: "**Sin respuesta**", Decision: escalation})
	b.SendOutbound(domain.OutboundMessage{Channel: "slack", ChatID: "C1", Content: "Paso 1"})

	if len(api.posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(api.posts))
	}
	if api.posts[0]["text"] != "*Sin respuesta*" {
		t.Fatalf("expected slack bold, got %q", api.posts[0]["text"])
	}
	if !strings.Contains(api.posts[0]["blocks"], actionTicketYes) {
		t.Fatalf("expected ticket buttons, got %s", api.posts[0]["blocks"])
	}
	if strings.Contains(api.posts[1]["blocks"], actionTicketYes) {
		t.Fatal("expected no buttons on an answer")
	}
}

func TestSlack_ButtonAnswersOffer(t *testing.T) {
	s, _, b := newTestSlack()

	cb := slack.InteractionCallback{Type: slack.InteractionTypeBlockActions}
	cb.Channel.ID = "C1"
	cb.User.ID = "U1"
	cb.ActionCallback.BlockActions = []*slack.BlockAction{{ActionID: actionTicketYes}}
	s.handleInteraction(cb)

	msgs := b.messages()
	if len(msgs) != 1 || msgs[0].Content != "sí" || msgs[0].ChatID != "C1" {
		t.Fatalf("expected one confirmation, got %+v", msgs)
	}
}

// --- WebSocket ---

func startWebSocket(t *testing.T) (*WebSocketChannel, *captureBus, string) {
	t.Helper()
	ws := NewWebSocketChannel(WSConfig{Logger: testLogger()})
	b := newCaptureBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ws.Start(ctx, b)
		close(done)
	}()
	<-ws.ready

	srv := httptest.NewServer(ws)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return ws, b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var hello WSMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if hello.Type != "status" {
		t.Fatalf("expected status welcome, got %+v", hello)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_RoundTrip(t *testing.T) {
	_, b, url := startWebSocket(t)
	conn := dial(t, url+"?chat_id=w1")

	if err := conn.WriteJSON(WSMessage{Type: "message", Content: "la vpn no conecta", UserID: "ana"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return len(b.messages()) == 1 })
	if msg := b.messages()[0]; msg.UserKey() != "websocket:w1" || msg.SenderID != "ana" {
		t.Fatalf("unexpected message %+v", msg)
	}

	b.SendOutbound(domain.OutboundMessage{Channel: "websocket", ChatID: "w1", Content: "¿Creo un ticket?", Decision: escalation})

	var reply WSMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Action != string(domain.ActionEscalate) || len(reply.Options) != 2 {
		t.Fatalf("expected escalation with options, got %+v", reply)
	}
}

func TestWebSocket_PublishErrorIsReported(t *testing.T) {
	_, b, url := startWebSocket(t)
	b.mu.Lock()
	b.err = errors.New("message bus is full")
	b.mu.Unlock()
	conn := dial(t, url+"?chat_id=w2")

	if err := conn.WriteJSON(WSMessage{Type: "message", Content: "hola"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply WSMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != "error" || reply.Content != "message bus is full" {
		t.Fatalf("expected error frame, got %+v", reply)
	}
}

func TestWebSocket_RefusedBeforeStart(t *testing.T) {
	ws := NewWebSocketChannel(WSConfig{Logger: testLogger()})
	rec := httptest.NewRecorder()
	ws.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if err := ws.Send(context.Background(), "nobody", "hola"); err == nil {
		t.Fatal("expected error for unknown chat")
	}
}
