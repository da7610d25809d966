package domain

// MessageBus routes messages between channels and the support chat loop.
type MessageBus interface {
	Publish(msg InboundMessage) error
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
