// Package agent runs the support conversation: it consumes inbound chat
// messages, routes them against the knowledge base and answers, clarifies or
// offers a ticket.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"supportbot/internal/bus"
	"supportbot/internal/domain"
	"supportbot/internal/metrics"
	"supportbot/internal/router"
	"supportbot/internal/ticket"
)

const (
	defaultHistoryLimit = 50
	defaultConcurrency  = 3
	defaultTimeout      = 30 * time.Second

	roleUser      = "user"
	roleAssistant = "assistant"
)

const (
	msgError          = "Ha ocurrido un error al consultar la base de conocimiento. Inténtalo de nuevo en unos minutos."
	msgNotReady       = "La base de conocimiento todavía se está cargando. Inténtalo de nuevo en unos segundos."
	msgTicketDeclined = "De acuerdo, no crearé ningún ticket. Si necesitas algo más, cuéntame."
)

// Retriever is the part of the retrieval engine the chat loop needs.
type Retriever interface {
	RouteWithContext(ctx context.Context, userKey, query string) (domain.RoutingDecision, error)
	Entry(id string) (domain.KnowledgeEntry, bool)
	ResetContext(userKey string)
}

// Reply is the answer to one inbound message.
type Reply struct {
	Content string
	// Decision is nil for command replies and ticket confirmations.
	Decision *domain.RoutingDecision
	Ticket   *domain.Ticket
}

// Loop is the support chat engine: receive message → route → respond.
type Loop struct {
	retriever    Retriever
	store        domain.ConversationStore
	tickets      domain.TicketSink
	builder      *ticket.Builder
	bus          domain.MessageBus
	events       *bus.EventBus
	logger       *slog.Logger
	concurrency  int
	historyLimit int
	timeout      time.Duration

	mu sync.Mutex
	// pending holds users that were offered a ticket on their last turn,
	// with the time of the offer.
	pending map[string]time.Time
}

// LoopConfig holds all dependencies and tuning parameters for the chat loop.
type LoopConfig struct {
	Retriever    Retriever
	Store        domain.ConversationStore
	Tickets      domain.TicketSink
	Bus          domain.MessageBus
	Events       *bus.EventBus // optional
	Logger       *slog.Logger
	Concurrency  int // max parallel messages (default 3)
	HistoryLimit int // turns used to build a ticket summary
	Timeout      time.Duration
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Loop{
		retriever:    cfg.Retriever,
		store:        cfg.Store,
		tickets:      cfg.Tickets,
		builder:      ticket.NewBuilder(),
		bus:          cfg.Bus,
		events:       cfg.Events,
		logger:       cfg.Logger,
		concurrency:  cfg.Concurrency,
		historyLimit: cfg.HistoryLimit,
		timeout:      cfg.Timeout,
		pending:      make(map[string]time.Time),
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("chat loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("chat loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, chat loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(m domain.InboundMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect handles a message synchronously. Used by the CLI and the
// HTTP API, which need a blocking reply.
func (l *Loop) ProcessDirect(ctx context.Context, content, channel, chatID string) (Reply, error) {
	return l.HandleMessage(ctx, domain.InboundMessage{
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  "user",
		Content:   content,
		Timestamp: time.Now(),
	})
}

// processMessage handles one inbound message and sends the reply back
// through the bus.
func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	l.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)

	reply, err := l.HandleMessage(ctx, msg)
	if err != nil {
		l.logger.Error("message processing failed", "user", msg.UserKey(), "err", err)
		reply = Reply{Content: msgError}
	}

	l.bus.SendOutbound(domain.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  reply.Content,
		Format:   "markdown",
		Decision: reply.Decision,
	})
}

// HandleMessage is the main chat logic: commands first, then a pending
// ticket offer, then routing against the knowledge base.
func (l *Loop) HandleMessage(ctx context.Context, msg domain.InboundMessage) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	userKey := msg.UserKey()
	content := strings.TrimSpace(msg.Content)
	metrics.MessagesTotal.WithLabelValues(msg.Channel).Inc()
	l.emitAsync(bus.EventMessageReceived, map[string]any{"user": userKey, "channel": msg.Channel})

	if cmd := ParseCommand(content); cmd != nil {
		if res := l.HandleCommand(ctx, cmd, msg); res.Handled {
			return res.Reply, nil
		}
	}

	if l.takePending(userKey) {
		switch classifyConfirmation(content) {
		case confirmYes:
			return l.createTicket(ctx, userKey, content)
		case confirmNo:
			l.persist(ctx, userKey, roleUser, content, "")
			l.persist(ctx, userKey, roleAssistant, msgTicketDeclined, "")
			return Reply{Content: msgTicketDeclined}, nil
		}
		// Anything else is a new question.
	}

	l.persist(ctx, userKey, roleUser, content, "")

	decision, err := l.retriever.RouteWithContext(ctx, userKey, content)
	if err != nil {
		if errors.Is(err, domain.ErrCorpusNotReady) {
			return Reply{Content: msgNotReady}, nil
		}
		return Reply{}, fmt.Errorf("route: %w", err)
	}

	var entry *domain.KnowledgeEntry
	if decision.Outcome == domain.OutcomeConfident {
		if e, ok := l.retriever.Entry(decision.EntryID); ok {
			entry = &e
		}
	}
	text := router.Render(decision, entry)

	if decision.Action() == domain.ActionEscalate {
		l.setPending(userKey)
	}
	l.persist(ctx, userKey, roleAssistant, text, string(decision.Outcome))
	l.emitAsync(bus.EventQueryRouted, map[string]any{
		"user":     userKey,
		"outcome":  string(decision.Outcome),
		"entry_id": decision.EntryID,
	})

	l.logger.Debug("query routed", "user", userKey, "outcome", decision.Outcome, "entry", decision.EntryID)
	return Reply{Content: text, Decision: &decision}, nil
}

// createTicket summarizes the user's conversation and submits it. trigger is
// the message that asked for the ticket; it is persisted after the summary is
// built so it never ends up in it.
func (l *Loop) createTicket(ctx context.Context, userKey, trigger string) (Reply, error) {
	if l.tickets == nil {
		return Reply{Content: "La creación de tickets no está disponible."}, nil
	}

	var history []domain.MessageRecord
	if l.store != nil {
		h, err := l.store.GetMessages(ctx, userKey, l.historyLimit)
		if err != nil {
			l.logger.Warn("failed to load history for ticket, continuing without it", "user", userKey, "err", err)
		}
		history = h
	}

	t := l.builder.Build(userKey, history)
	l.persist(ctx, userKey, roleUser, trigger, "")
	if err := l.tickets.SubmitTicket(ctx, t); err != nil {
		return Reply{}, fmt.Errorf("submit ticket: %w", err)
	}
	metrics.TicketsTotal.Inc()
	l.emit(bus.EventTicketCreated, map[string]any{"user": userKey, "ticket_id": t.ID})
	l.logger.Info("ticket created", "user", userKey, "ticket", t.ID)

	text := fmt.Sprintf("He creado el ticket **%s**. Soporte técnico revisará tu caso y se pondrá en contacto contigo.", t.ID)
	l.persist(ctx, userKey, roleAssistant, text, "")
	return Reply{Content: text, Ticket: &t}, nil
}

// persist stores a chat turn. Failures are logged, never surfaced.
func (l *Loop) persist(ctx context.Context, userKey, role, content, outcome string) {
	if l.store == nil {
		return
	}
	err := l.store.AddMessage(ctx, domain.MessageRecord{
		UserKey: userKey,
		Role:    role,
		Content: content,
		Outcome: outcome,
	})
	if err != nil {
		l.logger.Warn("failed to persist message", "user", userKey, "role", role, "err", err)
	}
}

func (l *Loop) emit(eventType string, payload map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Emit(bus.Event{Type: eventType, Source: "agent", Payload: payload})
}

// emitAsync is emit for per-message notifications; handlers run off the
// request path.
func (l *Loop) emitAsync(eventType string, payload map[string]any) {
	if l.events == nil {
		return
	}
	l.events.EmitAsync(bus.Event{Type: eventType, Source: "agent", Payload: payload})
}

func (l *Loop) setPending(userKey string) {
	l.mu.Lock()
	l.pending[userKey] = time.Now()
	l.mu.Unlock()
}

// takePending reports whether userKey had an open ticket offer and clears it.
func (l *Loop) takePending(userKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[userKey]
	delete(l.pending, userKey)
	return ok
}

// SweepOffers drops ticket offers older than idle and returns how many
// were removed.
func (l *Loop) SweepOffers(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, at := range l.pending {
		if time.Since(at) > idle {
			delete(l.pending, key)
			removed++
		}
	}
	return removed
}

func (l *Loop) clearPending(userKey string) {
	l.mu.Lock()
	delete(l.pending, userKey)
	l.mu.Unlock()
}

type confirmation int

const (
	confirmOther confirmation = iota
	confirmYes
	confirmNo
)

func classifyConfirmation(text string) confirmation {
	t := strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!¡¿?"))
	switch t {
	case "sí", "si", "s", "yes", "y", "vale", "ok", "claro", "por favor":
		return confirmYes
	case "no", "n", "no gracias", "no, gracias":
		return confirmNo
	}
	return confirmOther
}
