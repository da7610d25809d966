package domain

import "time"

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

// UserKey identifies the conversation a message belongs to.
func (m InboundMessage) UserKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown
	// Decision is set when the reply came from the router.
	Decision *RoutingDecision
}
