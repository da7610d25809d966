package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"supportbot/internal/bus"
	"supportbot/internal/domain"
	"supportbot/internal/metrics"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Reply   Reply
	Handled bool // false sends the message on to the router
}

// version is set by the build system.
var version = "dev"

func SetVersion(v string) {
	version = v
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	// Telegram appends the bot name in groups: /help@supportbot
	name, _, _ := strings.Cut(strings.TrimPrefix(parts[0], "/"), "@")

	return &ChatCommand{
		Name: strings.ToLower(name),
		Args: parts[1:],
		Raw:  text,
	}
}

// HandleCommand runs a chat command. Unknown commands return Handled=false
// so the text is routed like any other question.
func (l *Loop) HandleCommand(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) CommandResult {
	userKey := msg.UserKey()
	switch cmd.Name {
	case "help", "start":
		return CommandResult{Reply: Reply{Content: helpText()}, Handled: true}

	case "reset", "new", "clear":
		l.retriever.ResetContext(userKey)
		l.clearPending(userKey)
		if l.store != nil {
			if err := l.store.ClearMessages(ctx, userKey); err != nil {
				l.logger.Warn("failed to clear history", "user", userKey, "err", err)
			}
		}
		l.emit(bus.EventContextReset, map[string]any{"user": userKey})
		return CommandResult{Reply: Reply{Content: "Conversación reiniciada. Cuéntame tu problema desde el principio."}, Handled: true}

	case "ticket":
		l.clearPending(userKey)
		reply, err := l.createTicket(ctx, userKey, cmd.Raw)
		if err != nil {
			l.logger.Error("ticket command failed", "user", userKey, "err", err)
			reply = Reply{Content: "No he podido crear el ticket. Inténtalo de nuevo más tarde."}
		}
		return CommandResult{Reply: reply, Handled: true}

	case "status":
		return CommandResult{Reply: Reply{Content: statusText()}, Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func helpText() string {
	return `**Supportbot**

Describe tu problema y buscaré la solución en la base de conocimiento.

/help: muestra esta ayuda
/reset: olvida la conversación actual
/ticket: crea un ticket para soporte técnico con lo que me has contado
/status: versión y tiempo en marcha`
}

func statusText() string {
	return fmt.Sprintf("**Supportbot %s**\n\nEn marcha desde hace %s (%s/%s, %s)",
		version, metrics.Uptime().Round(time.Second), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
