package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Recipient is either a bare address or an object carrying explicit channel hints.
// Both forms decode from JSON and BSON.
type Recipient struct {
	Address  string   `json:"address" bson:"address"`
	Channels []string `json:"channels,omitempty" bson:"channels,omitempty"`
}

// ResolveChannels returns the explicit channels, or the channel inferred from the address.
func (r Recipient) ResolveChannels() []string {
	if len(r.Channels) > 0 {
		return r.Channels
	}
	return []string{InferChannel(r.Address)}
}

// recipientObject accepts the address aliases seen in stored campaigns.
type recipientObject struct {
	Address  string `json:"address" bson:"address"`
	To       string `json:"to" bson:"to"`
	Email    string `json:"email" bson:"email"`
	Phone    string `json:"phone" bson:"phone"`
	Token    string `json:"token" bson:"token"`
	Channels any    `json:"channels" bson:"channels"`
	Channel  string `json:"channel" bson:"channel"`
}

func (o recipientObject) toRecipient() Recipient {
	r := Recipient{Address: firstNonEmpty(o.Address, o.To, o.Email, o.Phone, o.Token)}
	switch ch := o.Channels.(type) {
	case string:
		r.Channels = appendChannel(r.Channels, ch)
	case []any:
		for _, v := range ch {
			if s, ok := v.(string); ok {
				r.Channels = appendChannel(r.Channels, s)
			}
		}
	case bson.A:
		for _, v := range ch {
			if s, ok := v.(string); ok {
				r.Channels = appendChannel(r.Channels, s)
			}
		}
	}
	if len(r.Channels) == 0 {
		r.Channels = appendChannel(r.Channels, o.Channel)
	}
	return r
}

// appendChannel normalizes a hint to the lowercase channel name; blanks are dropped.
func appendChannel(chs []string, hint string) []string {
	if hint = strings.ToLower(strings.TrimSpace(hint)); hint == "" {
		return chs
	}
	return append(chs, hint)
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = Recipient{Address: s}
		return nil
	}

	var o recipientObject
	if err := json.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("decoding recipient: %w", err)
	}
	*r = o.toRecipient()
	return nil
}

// MarshalJSON writes a bare string when there are no channel hints.
func (r Recipient) MarshalJSON() ([]byte, error) {
	if len(r.Channels) == 0 {
		return json.Marshal(r.Address)
	}
	type plain Recipient
	return json.Marshal(plain(r))
}

func (r *Recipient) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}

	switch t {
	case bsontype.String:
		*r = Recipient{Address: raw.StringValue()}
		return nil
	case bsontype.EmbeddedDocument:
		var o recipientObject
		if err := raw.Unmarshal(&o); err != nil {
			return fmt.Errorf("decoding recipient document: %w", err)
		}
		*r = o.toRecipient()
		return nil
	case bsontype.Null, bsontype.Undefined:
		*r = Recipient{}
		return nil
	default:
		return fmt.Errorf("unsupported recipient bson type %s", t)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
