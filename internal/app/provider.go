package app

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"campaignd/internal/channel"
	"campaignd/internal/instance"
	logx "campaignd/pkg/logx"
)

// logProvider accepts every send and only logs it. It backs the daemon when
// no real provider is configured.
type logProvider struct {
	log logx.Logger
}

var _ channel.Provider = logProvider{}

func (p logProvider) accept(instanceID, chatID string, m channel.Message) (string, error) {
	id := uuid.NewString()
	p.log.Info("send (log only)",
		logx.String("instance", instanceID),
		logx.String("chat", chatID),
		logx.String("kind", string(m.Kind())),
		logx.String("message_id", id))
	return id, nil
}

func (p logProvider) SendText(_ context.Context, inst, chatID string, m channel.TextMessage) (string, error) {
	return p.accept(inst, chatID, m)
}

func (p logProvider) SendMedia(_ context.Context, inst, chatID string, m channel.MediaMessage) (string, error) {
	return p.accept(inst, chatID, m)
}

func (p logProvider) SendButtons(_ context.Context, inst, chatID string, m channel.ButtonMessage) (string, error) {
	return p.accept(inst, chatID, m)
}

func (p logProvider) SendPoll(_ context.Context, inst, chatID string, m channel.PollMessage) (string, error) {
	return p.accept(inst, chatID, m)
}

func (p logProvider) SendLocation(_ context.Context, inst, chatID string, m channel.LocationMessage) (string, error) {
	return p.accept(inst, chatID, m)
}

func (p logProvider) SendVCard(_ context.Context, inst, chatID string, m channel.VCardMessage) (string, error) {
	return p.accept(inst, chatID, m)
}

func (p logProvider) GroupOp(_ context.Context, inst, chatID string, m channel.GroupOp) (string, error) {
	return p.accept(inst, chatID, m)
}

func (p logProvider) ChannelOp(_ context.Context, inst, chatID string, m channel.ChannelOp) (string, error) {
	return p.accept(inst, chatID, m)
}

// livePool serves instance pools from the latest applied config.
type livePool struct {
	cur atomic.Pointer[instance.StaticPool]
}

func newLivePool(p instance.StaticPool) *livePool {
	lp := &livePool{}
	lp.cur.Store(&p)
	return lp
}

func (lp *livePool) Set(p instance.StaticPool) { lp.cur.Store(&p) }

func (lp *livePool) Pool(ctx context.Context, owner string) ([]string, error) {
	return lp.cur.Load().Pool(ctx, owner)
}
