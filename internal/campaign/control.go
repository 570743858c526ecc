package campaign

import (
	"context"

	"campaignd/internal/auth"
	"campaignd/internal/channel"
	"campaignd/internal/eventbus"
	"campaignd/internal/ledger"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// Pause stops handing out recipients; the one in flight finishes.
func (s *Service) Pause(ctx context.Context, p auth.Principal, id string) error {
	return s.control(ctx, p, id, StatusPaused)
}

func (s *Service) Resume(ctx context.Context, p auth.Principal, id string) error {
	return s.control(ctx, p, id, StatusRunning)
}

// Cancel ends the campaign. Recipients not yet started become skipped and
// their reserved credit is refunded at settlement.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, id string) error {
	return s.control(ctx, p, id, StatusCancelled)
}

func controllable(from, to Status) bool {
	return (from == StatusRunning || from == StatusPaused) && CanTransition(from, to)
}

func (s *Service) control(ctx context.Context, p auth.Principal, id string, to Status) error {
	if !p.Can(auth.CapCampaign) {
		return ledger.ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.runs[id]; r != nil {
		if err := s.ledger.Authorize(ctx, p, r.c.Owner); err != nil {
			return err
		}
		r.mu.Lock()
		from := Status(r.c.Status)
		if !controllable(from, to) {
			r.mu.Unlock()
			return &TransitionError{ID: id, From: from, To: to}
		}
		next := r.c
		next.Status = string(to)
		if err := s.store.UpdateCampaign(ctx, next); err != nil {
			r.mu.Unlock()
			return &PersistenceError{Op: "update campaign", Err: err}
		}
		r.setStateLocked(to)
		r.mu.Unlock()
		s.controlled(id, from, to)
		return nil
	}

	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ledger.Authorize(ctx, p, c.Owner); err != nil {
		return err
	}
	from := Status(c.Status)
	if !controllable(from, to) {
		return &TransitionError{ID: id, From: from, To: to}
	}
	c.Status = string(to)
	if err := s.store.UpdateCampaign(ctx, c); err != nil {
		return &PersistenceError{Op: "update campaign", Err: err}
	}
	s.controlled(id, from, to)
	// Without a live run someone has to settle a cancel or continue a resume.
	if to != StatusPaused {
		s.enqueueLocked(id)
	}
	return nil
}

func (s *Service) controlled(id string, from, to Status) {
	s.metrics.CampaignStatus(string(to))
	s.publish(eventbus.CampaignStatus, StatusChange{ID: id, From: from, To: to})
	s.log.Info("campaign "+controlVerb(to), logx.String("campaign", id), logx.String("from", string(from)))
}

func controlVerb(to Status) string {
	switch to {
	case StatusPaused:
		return "paused"
	case StatusRunning:
		return "resumed"
	default:
		return "cancelled"
	}
}

// Status reports the campaign header and every recipient's outcome.
func (s *Service) Status(ctx context.Context, id string) (Report, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	recs, err := s.store.ListRecipients(ctx, id)
	if err != nil {
		return Report{}, &PersistenceError{Op: "list recipients", Err: err}
	}
	return buildReport(c, recs), nil
}

// List returns the reports (without recipients) of owner's campaigns.
func (s *Service) List(ctx context.Context, owner string, statuses ...Status) ([]Report, error) {
	q := storage.CampaignQuery{Owner: owner}
	for _, st := range statuses {
		q.Statuses = append(q.Statuses, string(st))
	}
	list, err := s.store.ListCampaigns(ctx, q)
	if err != nil {
		return nil, &PersistenceError{Op: "list campaigns", Err: err}
	}
	out := make([]Report, 0, len(list))
	for _, c := range list {
		out = append(out, buildReport(c, nil))
	}
	return out, nil
}

func buildReport(c storage.Campaign, recs []storage.Recipient) Report {
	rep := Report{
		ID:         c.ID,
		Owner:      c.Owner,
		Name:       c.Name,
		Category:   c.Category,
		Kind:       channel.Kind(c.Kind),
		Status:     Status(c.Status),
		UnitCost:   c.UnitCost,
		Reserved:   c.Reserved,
		Refunded:   c.Refunded,
		RetryOf:    c.RetryOf,
		LastError:  c.LastError,
		CreatedAt:  c.CreatedAt,
		StartedAt:  c.StartedAt,
		FinishedAt: c.FinishedAt,
	}
	for _, r := range recs {
		res := RecipientResult{
			Index:      r.Index,
			Raw:        r.Raw,
			ChatID:     r.ChatID,
			Status:     RecipientStatus(r.Status),
			Instance:   r.Instance,
			MessageIDs: r.MessageIDs,
			RetryCount: r.RetryCount,
			UpdatedAt:  r.UpdatedAt,
		}
		if r.LastError != "" {
			res.Err = &ExternalSendError{Index: r.Index, ChatID: r.ChatID, Instance: r.Instance, Code: r.ErrorCode, Err: storedError(r.LastError)}
		}
		rep.Counts.add(res.Status)
		rep.Recipients = append(rep.Recipients, res)
	}
	return rep
}

// storedError is a send error read back from storage.
type storedError string

func (e storedError) Error() string { return string(e) }
