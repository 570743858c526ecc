package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"campaignd/internal/channel"
	"campaignd/internal/channel/channeltest"
)

func TestSendDispatchesByVariant(t *testing.T) {
	t.Parallel()
	p := &channeltest.Provider{}
	s := channel.NewSender(p, channel.SenderOptions{})

	id, err := s.Send(context.Background(), "inst-1", "62811@c.us", channel.PollMessage{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatalf("empty provider message id")
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Kind != channel.KindPoll || calls[0].Instance != "inst-1" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestSendNormalizesErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		fail     error
		delay    time.Duration
		timeout  time.Duration
		wantCode string
	}{
		{"provider rejection kept", channel.Rejected("blocked", "number banned"), 0, time.Second, "blocked"},
		{"plain error", errors.New("socket closed"), 0, time.Second, channel.CodeUnknown},
		{"unsupported", channel.ErrUnsupported, 0, time.Second, channel.CodeUnsupported},
		{"timeout", nil, 200 * time.Millisecond, 10 * time.Millisecond, channel.CodeTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &channeltest.Provider{Delay: tc.delay}
			if tc.fail != nil {
				p.Fail = func(channeltest.Call) error { return tc.fail }
			}
			s := channel.NewSender(p, channel.SenderOptions{Timeout: tc.timeout})
			_, err := s.Send(context.Background(), "i", "c", channel.TextMessage{Text: "x"})
			var pe *channel.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pe.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", pe.Code, tc.wantCode)
			}
		})
	}
}

func TestSendCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := channel.NewSender(&channeltest.Provider{Delay: time.Second}, channel.SenderOptions{})
	_, err := s.Send(ctx, "i", "c", channel.TextMessage{Text: "x"})
	var pe *channel.ProviderError
	if !errors.As(err, &pe) || pe.Code != channel.CodeCanceled {
		t.Fatalf("expected canceled ProviderError, got %v", err)
	}
}
