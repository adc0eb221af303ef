package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Priya8975/notifly/internal/domain"
)

// ErrMalformed marks an entry that cannot be turned into a message.
var ErrMalformed = errors.New("malformed stream entry")

// Entry field names that may carry a JSON-encoded envelope, in priority order.
var envelopeFields = []string{"body", "payload", "data"}

// pointerKeys identify an envelope as a message rather than bare content.
var pointerKeys = []string{
	"campaignId", "campaign_id", "eventId", "event_id",
	"recipient", "to", "recipients", "requeue", "attempt",
}

// Decode turns a stream entry into the canonical message. Parsers are tried
// in order: a JSON body field, then a JSON payload or data field, then the
// flat fields alone. Flat scalar fields always override envelope values.
func Decode(values map[string]any) (domain.Message, error) {
	env, err := Envelope(values)
	if err != nil {
		return domain.Message{}, err
	}

	msg := fromMap(env)
	overlayFlat(&msg, values)
	return msg, nil
}

// Envelope picks and parses the first envelope field present.
func Envelope(values map[string]any) (map[string]any, error) {
	for _, field := range envelopeFields {
		raw, ok := values[field]
		if !ok {
			continue
		}

		obj, err := parseObject(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrMalformed, field, err)
		}

		// A flat entry may carry bare content under payload; keep it as content.
		if field != "body" && !hasAny(obj, pointerKeys) {
			return map[string]any{"payload": obj}, nil
		}
		return obj, nil
	}
	return map[string]any{}, nil
}

func parseObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, errors.New("not a JSON object")
		}
		return obj, nil
	case []byte:
		return parseObject(string(v))
	default:
		return nil, fmt.Errorf("unexpected type %T", raw)
	}
}

func fromMap(m map[string]any) domain.Message {
	msg := domain.Message{
		CampaignID: firstString(m, "campaignId", "campaign_id", "eventId", "event_id"),
		Recipient:  recipientString(m["recipient"], m["to"]),
		TenantID:   firstString(m, "tenantId", "tenant_id"),
		Channel:    strings.ToLower(firstString(m, "channel")),
		Name:       firstString(m, "name"),
	}
	if n, ok := asInt(m["attempt"]); ok {
		msg.Attempt = n
	}
	msg.Requeue = asBool(m["requeue"])

	if p, err := parseObject(m["payload"]); err == nil {
		msg.Payload = p
	}
	if meta, ok := m["meta"].(map[string]any); ok {
		msg.Meta = meta
	}
	if rs, ok := m["recipients"]; ok && rs != nil {
		data, err := json.Marshal(rs)
		if err == nil {
			var recipients []domain.Recipient
			if json.Unmarshal(data, &recipients) == nil {
				msg.Recipients = recipients
			}
		}
	}
	return msg
}

func overlayFlat(msg *domain.Message, values map[string]any) {
	if v := firstString(values, "campaignId", "campaign_id", "eventId", "event_id"); v != "" {
		msg.CampaignID = v
	}
	if v := recipientString(values["recipient"], values["to"]); v != "" {
		msg.Recipient = v
	}
	if v := firstString(values, "tenantId", "tenant_id"); v != "" {
		msg.TenantID = v
	}
	if v := firstString(values, "channel"); v != "" {
		msg.Channel = strings.ToLower(v)
	}
	if n, ok := asInt(values["attempt"]); ok {
		msg.Attempt = n
	}
	if asBool(values["requeue"]) {
		msg.Requeue = true
	}
}

// recipientString accepts a plain address or an object with an address.
func recipientString(vals ...any) string {
	for _, v := range vals {
		switch r := v.(type) {
		case string:
			if r != "" {
				return r
			}
		case map[string]any:
			if s := firstString(r, "address", "to", "email", "phone", "token"); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		ok, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && ok
	case float64:
		return b != 0
	}
	return false
}

func hasAny(m map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// StringField returns the first non-empty string value among keys.
func StringField(m map[string]any, keys ...string) string {
	return firstString(m, keys...)
}
