package provider

import (
	"context"
)

// Request is the channel-neutral send request handed to an adapter.
type Request struct {
	Channel string
	To      string
	From    string
	Subject string
	Body    string
	Data    map[string]any
}

// Response reports the adapter outcome. A false Success with a nil error is
// a provider-side rejection; a non-nil error is a transport failure.
type Response struct {
	Success   bool
	Provider  string
	ErrorCode string
	Raw       map[string]any
}

// Provider sends one notification. Adapters do not retry.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (Response, error)
}

// NewRequest normalises a campaign payload into a send request.
func NewRequest(channel, to string, payload map[string]any) Request {
	return Request{
		Channel: channel,
		To:      to,
		From:    str(payload, "from", "fromAddress"),
		Subject: str(payload, "subject", "title"),
		Body:    str(payload, "body", "html", "text", "message"),
		Data:    payload,
	}
}

// Preferred returns the provider named in the payload metadata, if any.
func Preferred(payload map[string]any) string {
	for _, key := range []string{"metadata", "meta"} {
		if m, ok := payload[key].(map[string]any); ok {
			if p := str(m, "provider"); p != "" {
				return p
			}
		}
	}
	return ""
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
