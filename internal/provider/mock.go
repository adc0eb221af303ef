package provider

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MockFailureCode = "MOCK_FAILURE"

// Mock accepts everything except recipients containing "fail".
type Mock struct {
	channel string
	latency time.Duration
}

func NewMock(channel string) *Mock {
	return &Mock{channel: channel}
}

// WithLatency makes every send take d.
func (m *Mock) WithLatency(d time.Duration) *Mock {
	m.latency = d
	return m
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) Send(ctx context.Context, req Request) (Response, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	if strings.Contains(req.To, "fail") {
		return Response{
			Success:   false,
			Provider:  "mock-" + m.channel,
			ErrorCode: MockFailureCode,
			Raw:       map[string]any{"to": req.To, "reason": "recipient rejected"},
		}, nil
	}

	return Response{
		Success:  true,
		Provider: "mock-" + m.channel,
		Raw: map[string]any{
			"messageId": uuid.NewString(),
			"to":        req.To,
			"channel":   m.channel,
		},
	}, nil
}
