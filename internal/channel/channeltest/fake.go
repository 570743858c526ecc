// Package channeltest provides an in-memory channel.Provider for tests.
package channeltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"campaignd/internal/channel"
)

// Call records one provider invocation.
type Call struct {
	Instance string
	ChatID   string
	Kind     channel.Kind
	Message  channel.Message
}

// Provider records every call. Fail, when set, decides per call whether it
// errors; Delay blocks each call (honoring ctx) before it returns.
type Provider struct {
	Fail  func(c Call) error
	Delay time.Duration
	// OnSend runs after a call is recorded and before it returns.
	OnSend func(c Call)

	mu    sync.Mutex
	calls []Call
	seq   int
}

func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// ChatIDs returns the distinct chat ids in first-call order.
func (p *Provider) ChatIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, c := range p.calls {
		if !seen[c.ChatID] {
			seen[c.ChatID] = true
			out = append(out, c.ChatID)
		}
	}
	return out
}

func (p *Provider) record(ctx context.Context, instance, chatID string, m channel.Message) (string, error) {
	c := Call{Instance: instance, ChatID: chatID, Kind: m.Kind(), Message: m}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.seq++
	id := fmt.Sprintf("msg-%d", p.seq)
	p.mu.Unlock()

	if p.OnSend != nil {
		p.OnSend(c)
	}
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.Fail != nil {
		if err := p.Fail(c); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (p *Provider) SendText(ctx context.Context, instance, chatID string, m channel.TextMessage) (string, error) {
	return p.record(ctx, instance, chatID, m)
}

func (p *Provider) SendMedia(ctx context.Context, instance, chatID string, m channel.MediaMessage) (string, error) {
	return p.record(ctx, instance, chatID, m)
}

func (p *Provider) SendButtons(ctx context.Context, instance, chatID string, m channel.ButtonMessage) (string, error) {
	return p.record(ctx, instance, chatID, m)
}

func (p *Provider) SendPoll(ctx context.Context, instance, chatID string, m channel.PollMessage) (string, error) {
	return p.record(ctx, instance, chatID, m)
}

func (p *Provider) SendLocation(ctx context.Context, instance, chatID string, m channel.LocationMessage) (string, error) {
	return p.record(ctx, instance, chatID, m)
}

func (p *Provider) SendVCard(ctx context.Context, instance, chatID string, m channel.VCardMessage) (string, error) {
	return p.record(ctx, instance, chatID, m)
}

func (p *Provider) GroupOp(ctx context.Context, instance, chatID string, m channel.GroupOp) (string, error) {
	return p.record(ctx, instance, chatID, m)
}

func (p *Provider) ChannelOp(ctx context.Context, instance, chatID string, m channel.ChannelOp) (string, error) {
	return p.record(ctx, instance, chatID, m)
}
