package campaign

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"campaignd/internal/auth"
	"campaignd/internal/eventbus"
	"campaignd/internal/instance"
	"campaignd/internal/ledger"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// reserveRef names the reservation debit; the settlement refund reuses it.
func reserveRef(id string) string { return "campaign:" + id + ":reserve" }

// Submit validates spec, reserves UnitCost × recipients from the owner and
// stores the campaign. It is all-or-nothing: on error nothing is reserved
// and no campaign exists.
func (s *Service) Submit(ctx context.Context, p auth.Principal, spec Spec) (string, error) {
	if !p.Can(auth.CapCampaign) {
		return "", ledger.ErrUnauthorized
	}
	owner := strings.TrimSpace(spec.Owner)
	if owner == "" {
		owner = p.AccountID
	}
	if err := s.ledger.Authorize(ctx, p, owner); err != nil {
		return "", err
	}
	category := strings.TrimSpace(spec.Category)
	if category == "" {
		return "", invalidf(ledger.ErrValidation, "category is required")
	}
	if spec.Pacing < 0 {
		return "", invalidf(ledger.ErrValidation, "pacing must not be negative")
	}

	pl := payload{Text: spec.Text, Media: slices.Clone(spec.Media), Interactive: spec.Interactive}
	if err := pl.validate(); err != nil {
		return "", err
	}
	raws, chatIDs, err := normalizeAll(spec.Recipients, spec.Normalize)
	if err != nil {
		return "", err
	}

	strategy := spec.Instances.Strategy
	if strategy == "" {
		strategy = instance.StrategyRandom
	}
	if _, err := instance.New(strategy, spec.Instances.Bound); err != nil {
		return "", invalidf(ledger.ErrValidation, "instances: %v", err)
	}
	if strategy == instance.StrategyRandom {
		pool, err := s.resolvePool(ctx, owner, spec.Instances.Pool)
		if err != nil {
			return "", err
		}
		if len(pool) == 0 {
			return "", invalidf(ledger.ErrValidation, "no send instance available for %s", owner)
		}
	}
	if err := pl.resolveMedia(ctx, s.media); err != nil {
		return "", err
	}
	body, err := pl.encode()
	if err != nil {
		return "", invalidf(ErrInvalidChannelPayload, "%v", err)
	}
	unitCost, err := s.unitCost(ctx, category)
	if err != nil {
		return "", err
	}

	now := s.now()
	c := storage.Campaign{
		ID:               uuid.NewString(),
		Owner:            owner,
		Name:             spec.Name,
		Category:         category,
		Kind:             string(pl.kind()),
		Payload:          body,
		Status:           string(StatusDraft),
		UnitCost:         unitCost,
		Pacing:           spec.Pacing,
		ScheduleAt:       spec.ScheduleAt,
		InstanceStrategy: string(strategy),
		InstancePool:     slices.Clone(spec.Instances.Pool),
		BoundInstance:    spec.Instances.Bound,
		CreatedAt:        now,
	}
	recipients := make([]storage.Recipient, len(chatIDs))
	for i := range chatIDs {
		recipients[i] = storage.Recipient{Raw: raws[i], ChatID: chatIDs[i], Status: string(RecipientPending), UpdatedAt: now}
	}
	return s.create(ctx, p, c, recipients)
}

// create reserves credit and persists c in scheduled state in one storage
// transaction: either both commit or neither does.
func (s *Service) create(ctx context.Context, p auth.Principal, c storage.Campaign, recipients []storage.Recipient) (string, error) {
	if !CanTransition(Status(c.Status), StatusScheduled) {
		return "", &TransitionError{ID: c.ID, From: Status(c.Status), To: StatusScheduled}
	}
	c.Reserved = c.UnitCost * int64(len(recipients))
	c.Status = string(StatusScheduled)
	insert := func(tx storage.LedgerTx) error {
		if err := tx.CreateCampaign(c, recipients); err != nil {
			return &PersistenceError{Op: "create campaign", Err: err}
		}
		return nil
	}
	var err error
	if c.Reserved > 0 {
		_, err = s.ledger.Reserve(ctx, p, c.Owner, c.Category, c.Reserved, reserveRef(c.ID), insert)
	} else {
		err = s.store.Update(ctx, insert)
	}
	if err != nil {
		return "", err
	}

	s.metrics.CampaignStatus(c.Status)
	s.publish(eventbus.CampaignSubmitted, StatusChange{ID: c.ID, From: StatusDraft, To: StatusScheduled})
	s.log.Info("campaign submitted",
		logx.String("campaign", c.ID),
		logx.String("owner", c.Owner),
		logx.String("category", c.Category),
		logx.Int("recipients", len(recipients)),
		logx.Int64("reserved", c.Reserved),
		logx.Time("schedule_at", c.ScheduleAt),
	)
	if !c.ScheduleAt.After(s.now()) {
		s.enqueue(c.ID)
	}
	return c.ID, nil
}

// RetryFailed submits a new campaign over the failed recipients of a
// finished one. The new campaign makes its own reservation at the current
// unit cost.
func (s *Service) RetryFailed(ctx context.Context, p auth.Principal, id string) (string, error) {
	if !p.Can(auth.CapCampaign) {
		return "", ledger.ErrUnauthorized
	}
	prev, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.ledger.Authorize(ctx, p, prev.Owner); err != nil {
		return "", err
	}
	if !Status(prev.Status).Terminal() {
		return "", &TransitionError{ID: id, From: Status(prev.Status), To: StatusScheduled}
	}
	recs, err := s.store.ListRecipients(ctx, id)
	if err != nil {
		return "", &PersistenceError{Op: "list recipients", Err: err}
	}
	now := s.now()
	var retry []storage.Recipient
	for _, r := range recs {
		if RecipientStatus(r.Status) != RecipientFailed {
			continue
		}
		retry = append(retry, storage.Recipient{
			Raw:        r.Raw,
			ChatID:     r.ChatID,
			Status:     string(RecipientPending),
			RetryCount: r.RetryCount + 1,
			UpdatedAt:  now,
		})
	}
	if len(retry) == 0 {
		return "", invalidf(ErrNoRecipients, "campaign %s has no failed recipients", id)
	}
	unitCost, err := s.unitCost(ctx, prev.Category)
	if err != nil {
		return "", err
	}
	c := storage.Campaign{
		ID:               uuid.NewString(),
		Owner:            prev.Owner,
		Name:             prev.Name,
		Category:         prev.Category,
		Kind:             prev.Kind,
		Payload:          prev.Payload,
		Status:           string(StatusDraft),
		UnitCost:         unitCost,
		Pacing:           prev.Pacing,
		InstanceStrategy: prev.InstanceStrategy,
		InstancePool:     prev.InstancePool,
		BoundInstance:    prev.BoundInstance,
		RetryOf:          prev.ID,
		CreatedAt:        now,
	}
	return s.create(ctx, p, c, retry)
}

// StartDue queues scheduled campaigns whose start time has passed and
// returns how many were queued.
func (s *Service) StartDue(ctx context.Context, now time.Time) (int, error) {
	list, err := s.store.ListCampaigns(ctx, storage.CampaignQuery{
		Statuses:  []string{string(StatusScheduled)},
		DueBefore: now,
	})
	if err != nil {
		return 0, &PersistenceError{Op: "list due campaigns", Err: err}
	}
	n := 0
	for _, c := range list {
		if s.enqueue(c.ID) {
			n++
		}
	}
	return n, nil
}

// Recover re-queues campaigns left running or paused by a previous process
// and any scheduled campaign that is already due.
func (s *Service) Recover(ctx context.Context) (int, error) {
	list, err := s.store.ListCampaigns(ctx, storage.CampaignQuery{
		Statuses: []string{string(StatusRunning), string(StatusPaused)},
	})
	if err != nil {
		return 0, &PersistenceError{Op: "list interrupted campaigns", Err: err}
	}
	n := 0
	for _, c := range list {
		if s.enqueue(c.ID) {
			n++
		}
	}
	due, err := s.StartDue(ctx, s.now())
	if err != nil {
		return n, err
	}
	if n+due > 0 {
		s.log.Info("campaigns recovered", logx.Int("interrupted", n), logx.Int("due", due))
	}
	return n + due, nil
}

func (s *Service) get(ctx context.Context, id string) (storage.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Campaign{}, ErrNotFound
	}
	if err != nil {
		return storage.Campaign{}, &PersistenceError{Op: "get campaign", Err: err}
	}
	return c, nil
}

func (s *Service) unitCost(ctx context.Context, category string) (int64, error) {
	cost, err := s.store.UnitCost(ctx, category)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, invalidf(ledger.ErrValidation, "unknown category %q", category)
	}
	if err != nil {
		return 0, &PersistenceError{Op: "unit cost", Err: err}
	}
	return cost, nil
}

// resolvePool returns the owner's instances, narrowed to allowed if set.
func (s *Service) resolvePool(ctx context.Context, owner string, allowed []string) ([]string, error) {
	pool, err := s.pools.Pool(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return slices.Clone(allowed), nil
	}
	return instance.Restrict(pool, allowed), nil
}
