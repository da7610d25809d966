package channel

import "supportbot/internal/domain"

// Button ids shared by every channel that renders the ticket offer as
// buttons. Pressing one is answered like the equivalent typed reply.
const (
	actionTicketYes = "ticket_yes"
	actionTicketNo  = "ticket_no"

	labelTicketYes = "Sí, crear ticket"
	labelTicketNo  = "No"
)

// isTicketOffer reports whether a reply asks the user to confirm a ticket.
func isTicketOffer(msg domain.OutboundMessage) bool {
	return msg.Decision != nil && msg.Decision.Action() == domain.ActionEscalate
}

func ticketAnswer(actionID string) (string, bool) {
	switch actionID {
	case actionTicketYes:
		return "sí", true
	case actionTicketNo:
		return "no", true
	}
	return "", false
}
