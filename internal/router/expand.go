package router

import (
	"github.com/Priya8975/notifly/internal/domain"
)

// Target is one (recipient, channel) pair produced by expansion.
type Target struct {
	Recipient string
	Channel   string
}

// merge overlays the stream message on the stored campaign. Fields present on
// the stream entry win, so a requeue can override payload and tenant.
func merge(c *domain.Campaign, msg domain.Message) domain.Message {
	if c == nil {
		return msg
	}

	out := msg
	if out.TenantID == "" {
		out.TenantID = c.TenantID
	}
	if out.Payload == nil {
		out.Payload = c.Payload
	}
	if out.Meta == nil {
		out.Meta = c.Meta
	}
	if len(out.Recipients) == 0 {
		out.Recipients = c.Recipients
	}
	if out.Name == "" {
		out.Name = c.Name
	}
	return out
}

// Expand turns a merged message into channel targets. A requeue naming a
// recipient targets only that recipient; its channel comes from the message,
// then from a matching campaign recipient, then from the address itself.
func Expand(msg domain.Message) []Target {
	if msg.Requeue && msg.Recipient != "" {
		return requeueTargets(msg)
	}

	var targets []Target
	for _, r := range msg.Recipients {
		if r.Address == "" {
			continue
		}
		for _, ch := range r.ResolveChannels() {
			targets = append(targets, Target{Recipient: r.Address, Channel: ch})
		}
	}
	return targets
}

func requeueTargets(msg domain.Message) []Target {
	if msg.Channel != "" {
		return []Target{{Recipient: msg.Recipient, Channel: msg.Channel}}
	}

	for _, r := range msg.Recipients {
		if r.Address == msg.Recipient {
			var targets []Target
			for _, ch := range r.ResolveChannels() {
				targets = append(targets, Target{Recipient: r.Address, Channel: ch})
			}
			return targets
		}
	}
	return []Target{{Recipient: msg.Recipient, Channel: domain.InferChannel(msg.Recipient)}}
}
