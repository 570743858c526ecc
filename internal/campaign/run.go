package campaign

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"campaignd/internal/auth"
	"campaignd/internal/channel"
	"campaignd/internal/eventbus"
	"campaignd/internal/instance"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// run is the in-memory state of a campaign being dispatched. c is the
// authoritative header while the run exists; every header write goes
// through it under mu.
type run struct {
	mu         sync.Mutex
	c          storage.Campaign
	recipients []storage.Recipient
	pending    []int
	cursor     int
	// changed is closed and replaced on every state change.
	changed chan struct{}
}

func newRun(c storage.Campaign, recs []storage.Recipient) *run {
	r := &run{c: c, recipients: recs, changed: make(chan struct{})}
	for i, rec := range recs {
		if RecipientStatus(rec.Status) == RecipientPending {
			r.pending = append(r.pending, i)
		}
	}
	return r
}

func (r *run) state() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status(r.c.Status)
}

// setStateLocked must be called with mu held.
func (r *run) setStateLocked(st Status) {
	r.c.Status = string(st)
	close(r.changed)
	r.changed = make(chan struct{})
}

// next hands out the next pending recipient. It blocks while the campaign
// is paused and reports false once it is cancelled, drained or ctx ends.
func (r *run) next(ctx context.Context) (int, bool) {
	for {
		r.mu.Lock()
		switch Status(r.c.Status) {
		case StatusCancelled:
			r.mu.Unlock()
			return -1, false
		case StatusPaused:
			ch := r.changed
			r.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return -1, false
			}
		}
		if r.cursor >= len(r.pending) {
			r.mu.Unlock()
			return -1, false
		}
		idx := r.pending[r.cursor]
		r.cursor++
		r.mu.Unlock()
		return idx, true
	}
}

func (r *run) recipient(idx int) storage.Recipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recipients[idx]
}

func (r *run) setRecipient(rec storage.Recipient) {
	r.mu.Lock()
	r.recipients[rec.Index] = rec
	r.mu.Unlock()
}

// begin loads id and registers its run. It returns nil when the campaign is
// not in a dispatchable state.
func (s *Service) begin(ctx context.Context, id string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, id)
	if s.runs[id] != nil {
		return nil, nil
	}
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := Status(c.Status)
	switch {
	case st == StatusScheduled, st == StatusRunning, st == StatusPaused:
	case st == StatusCancelled && c.FinishedAt.IsZero():
	default:
		return nil, nil
	}
	recs, err := s.store.ListRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	r := newRun(c, recs)
	if st == StatusScheduled {
		r.c.Status = string(StatusRunning)
		r.c.StartedAt = s.now()
		if err := s.store.UpdateCampaign(ctx, r.c); err != nil {
			return nil, err
		}
		s.metrics.CampaignStatus(string(StatusRunning))
		s.publish(eventbus.CampaignStatus, StatusChange{ID: id, From: st, To: StatusRunning})
	}
	s.runs[id] = r
	return r, nil
}

func (s *Service) runCampaign(ctx context.Context, id string) {
	r, err := s.begin(ctx, id)
	if err != nil {
		s.log.Error("campaign start failed", logx.String("campaign", id), logx.Err(err))
		return
	}
	if r == nil {
		return
	}
	s.metrics.CampaignRunning(1)
	defer func() {
		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
		s.metrics.CampaignRunning(-1)
	}()

	start := time.Now()
	r.mu.Lock()
	c := r.c
	r.mu.Unlock()
	log := s.log.With(logx.String("campaign", id))
	log.Info("campaign dispatch started", logx.Int("pending", len(r.pending)), logx.String("status", c.Status))

	d, err := s.prepare(ctx, c)
	if err != nil {
		log.Warn("campaign cannot dispatch", logx.Err(err))
		d = dispatcher{err: err}
	}

	workers := s.config().RecipientWorkers
	if workers > len(r.pending) {
		workers = len(r.pending)
	}
	var lim *rate.Limiter
	if c.Pacing > 0 {
		lim = rate.NewLimiter(rate.Every(c.Pacing), 1)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				if lim != nil {
					if err := lim.Wait(ctx); err != nil {
						return
					}
				}
				idx, ok := r.next(ctx)
				if !ok {
					return
				}
				s.dispatch(ctx, r, d, idx)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		log.Info("campaign dispatch interrupted", logx.Duration("dur", time.Since(start)))
		return
	}
	s.finish(ctx, r, log)
	log.Info("campaign dispatch finished", logx.String("status", r.state().String()), logx.Duration("dur", time.Since(start)))
}

// dispatcher holds what every recipient of one campaign shares.
type dispatcher struct {
	msgs     []channel.Message
	selector instance.Selector
	pool     []string
	// err fails every recipient (undecodable payload, no instances).
	err error
}

func (s *Service) prepare(ctx context.Context, c storage.Campaign) (dispatcher, error) {
	pl, err := decodePayload(c.Payload)
	if err != nil {
		return dispatcher{}, err
	}
	sel, err := instance.New(instance.Strategy(c.InstanceStrategy), c.BoundInstance)
	if err != nil {
		return dispatcher{}, err
	}
	d := dispatcher{msgs: pl.messages(), selector: sel}
	if _, bound := sel.(instance.Bound); !bound {
		d.pool, err = s.resolvePool(ctx, c.Owner, c.InstancePool)
		if err != nil {
			return dispatcher{}, err
		}
	}
	return d, nil
}

// dispatch delivers every sub-send of one recipient and records the
// outcome. Sub-sends run concurrently; the first message is primary.
func (s *Service) dispatch(ctx context.Context, r *run, d dispatcher, idx int) {
	rec := r.recipient(idx)
	// A recipient that started is allowed to finish even if the runner is
	// stopping; the sender's timeout bounds it.
	sendCtx := context.WithoutCancel(ctx)

	rec.LastError, rec.ErrorCode, rec.MessageIDs = "", "", nil
	var sendErr *ExternalSendError
	inst, err := "", d.err
	if err == nil {
		inst, err = d.selector.Pick(d.pool)
	}
	if err != nil {
		rec.Status = string(RecipientFailed)
		sendErr = &ExternalSendError{Index: idx, ChatID: rec.ChatID, Code: "no_instance", Err: err}
		if errors.Is(err, instance.ErrEmptyPool) {
			sendErr.Code = "empty_pool"
		}
	} else {
		rec.Instance = inst
		ids := make([]string, len(d.msgs))
		errs := make([]error, len(d.msgs))
		var g errgroup.Group
		for i, m := range d.msgs {
			g.Go(func() error {
				ids[i], errs[i] = s.sender.Send(sendCtx, inst, rec.ChatID, m)
				return nil
			})
		}
		_ = g.Wait()

		for i, e := range errs {
			if e == nil {
				rec.MessageIDs = append(rec.MessageIDs, ids[i])
				continue
			}
			if sendErr == nil || i == 0 {
				sendErr = &ExternalSendError{Index: idx, ChatID: rec.ChatID, Instance: inst, Kind: d.msgs[i].Kind(), Code: providerCode(e), Err: e}
			}
		}
		switch {
		case errs[0] != nil:
			rec.Status = string(RecipientFailed)
		case sendErr != nil:
			rec.Status = string(RecipientPartiallySent)
		default:
			rec.Status = string(RecipientSent)
		}
	}
	if sendErr != nil {
		rec.LastError = sendErr.Error()
		rec.ErrorCode = sendErr.Code
	}
	rec.UpdatedAt = s.now()
	r.setRecipient(rec)

	if err := s.store.SaveRecipient(sendCtx, rec); err != nil {
		s.log.Error("recipient save failed", logx.String("campaign", rec.CampaignID), logx.Int("index", idx), logx.Err(err))
	}
	s.metrics.Recipient(rec.Status)
	s.publish(eventbus.RecipientDone, rec)
	if sendErr != nil {
		s.log.Debug("recipient not fully sent", logx.String("campaign", rec.CampaignID), logx.Int("index", idx),
			logx.String("status", rec.Status), logx.Err(sendErr))
	}
}

func providerCode(err error) string {
	var pe *channel.ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return channel.CodeUnknown
}

// finish skips what was never started, refunds failed and skipped units and
// writes the terminal status. If the refund cannot be committed the
// campaign is left unfinished so Recover settles it later.
func (s *Service) finish(ctx context.Context, r *run, log logx.Logger) {
	now := s.now()
	var skipped []storage.Recipient

	r.mu.Lock()
	var counts Counts
	for i := range r.recipients {
		rec := &r.recipients[i]
		if RecipientStatus(rec.Status) == RecipientPending {
			rec.Status = string(RecipientSkipped)
			rec.UpdatedAt = now
			skipped = append(skipped, *rec)
		}
		counts.add(RecipientStatus(rec.Status))
	}
	terminal := StatusCompleted
	switch {
	case Status(r.c.Status) == StatusCancelled:
		terminal = StatusCancelled
	case counts.Sent != counts.Total:
		terminal = StatusPartiallyFailed
	}
	c := r.c
	r.mu.Unlock()

	for _, rec := range skipped {
		if err := s.store.SaveRecipient(ctx, rec); err != nil {
			log.Error("recipient save failed", logx.Int("index", rec.Index), logx.Err(err))
		}
		s.metrics.Recipient(rec.Status)
	}

	refund := c.UnitCost * int64(counts.Failed+counts.Skipped)
	if refund > 0 {
		if err := s.settle(ctx, c, refund); err != nil {
			log.Error("campaign settlement failed", logx.Int64("amount", refund), logx.Err(err))
			r.mu.Lock()
			r.c.LastError = "settlement pending: " + err.Error()
			if uerr := s.store.UpdateCampaign(ctx, r.c); uerr != nil {
				log.Error("campaign save failed", logx.Err(uerr))
			}
			r.mu.Unlock()
			return
		}
	}

	r.mu.Lock()
	from := Status(r.c.Status)
	if from != terminal {
		r.setStateLocked(terminal)
	}
	r.c.Refunded = refund
	r.c.LastError = ""
	r.c.FinishedAt = now
	err := s.store.UpdateCampaign(ctx, r.c)
	r.mu.Unlock()
	if err != nil {
		log.Error("campaign save failed", logx.Err(err))
		return
	}

	if from != terminal {
		s.metrics.CampaignStatus(string(terminal))
		s.publish(eventbus.CampaignStatus, StatusChange{ID: c.ID, From: from, To: terminal})
	}
	s.publish(eventbus.CampaignSettled, c.ID)
	fields := []logx.Field{
		logx.String("status", string(terminal)),
		logx.Int("sent", counts.Sent),
		logx.Int("partially_sent", counts.PartiallySent),
		logx.Int("failed", counts.Failed),
		logx.Int("skipped", counts.Skipped),
		logx.Int64("refunded", refund),
	}
	if terminal == StatusCompleted {
		log.Info("campaign settled", fields...)
	} else {
		log.Warn("campaign settled with unsent recipients", fields...)
	}
}

func (s *Service) settle(ctx context.Context, c storage.Campaign, amount int64) error {
	attempts := s.config().SettleAttempts
	var err error
	for i := 0; i < attempts; i++ {
		_, err = s.ledger.Refund(ctx, auth.System(), c.Owner, c.Category, amount, reserveRef(c.ID))
		if err == nil {
			return nil
		}
		var temp interface{ Temporary() bool }
		if !errors.As(err, &temp) || !temp.Temporary() || i == attempts-1 {
			break
		}
		delay := time.Duration(200*(i+1)) * time.Millisecond
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
