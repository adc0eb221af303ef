package domain

import "strings"

// Delivery channels. Each channel has its own stream and worker group.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// Channels lists every channel a worker can be started for.
var Channels = []string{ChannelEmail, ChannelSMS, ChannelPush}

// Stream names shared by the router, workers and the operator API.
const (
	StreamIncoming = "notifications.incoming"
	StreamRetry    = "notifications.retry"
	StreamDLQ      = "notifications.dlq"

	// EventsChannel is the pub/sub channel delivery outcome events are published on.
	EventsChannel = "notifications.events"
)

func ValidChannel(ch string) bool {
	switch ch {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// ChannelStream returns the stream a channel's worker consumes.
func ChannelStream(ch string) string {
	return "notifications." + ch
}

// InferChannel classifies a bare address: anything with an @ is email, everything else push.
func InferChannel(address string) string {
	if strings.Contains(address, "@") {
		return ChannelEmail
	}
	return ChannelPush
}
