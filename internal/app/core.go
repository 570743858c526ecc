package app

import (
	"context"
	"iter"

	"campaignd/internal/auth"
	"campaignd/internal/campaign"
	"campaignd/internal/ledger"
	"campaignd/internal/storage"
)

// Core is the operation surface callers use. Every call is made on behalf of
// a principal resolved at the auth boundary.
type Core struct {
	ledger    *ledger.Ledger
	campaigns *campaign.Service
}

// SubmitCampaign reserves the campaign's credits and queues (or schedules)
// it. It returns the campaign id.
func (c *Core) SubmitCampaign(ctx context.Context, p auth.Principal, spec campaign.Spec) (string, error) {
	return c.campaigns.Submit(ctx, p, spec)
}

// GetCampaignStatus returns the campaign report if p may act for its owner.
func (c *Core) GetCampaignStatus(ctx context.Context, p auth.Principal, id string) (campaign.Report, error) {
	rep, err := c.campaigns.Status(ctx, id)
	if err != nil {
		return campaign.Report{}, err
	}
	if err := c.ledger.Authorize(ctx, p, rep.Owner); err != nil {
		return campaign.Report{}, err
	}
	return rep, nil
}

// ListCampaigns returns owner's campaign headers, optionally by status.
func (c *Core) ListCampaigns(ctx context.Context, p auth.Principal, owner string, statuses ...campaign.Status) ([]campaign.Report, error) {
	if err := c.ledger.Authorize(ctx, p, owner); err != nil {
		return nil, err
	}
	return c.campaigns.List(ctx, owner, statuses...)
}

func (c *Core) PauseCampaign(ctx context.Context, p auth.Principal, id string) error {
	return c.campaigns.Pause(ctx, p, id)
}

func (c *Core) ResumeCampaign(ctx context.Context, p auth.Principal, id string) error {
	return c.campaigns.Resume(ctx, p, id)
}

func (c *Core) CancelCampaign(ctx context.Context, p auth.Principal, id string) error {
	return c.campaigns.Cancel(ctx, p, id)
}

// RetryFailedRecipients submits a new campaign for the failed
// recipients of id.
func (c *Core) RetryFailedRecipients(ctx context.Context, p auth.Principal, id string) (string, error) {
	return c.campaigns.RetryFailed(ctx, p, id)
}

func (c *Core) TransferCredit(ctx context.Context, p auth.Principal, req ledger.TransferRequest) (ledger.Ref, error) {
	return c.ledger.Transfer(ctx, p, req)
}

func (c *Core) DebitCredit(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string) (ledger.Ref, error) {
	return c.ledger.Debit(ctx, p, account, category, amount, reference)
}

func (c *Core) RefundCredit(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string) (ledger.Ref, error) {
	return c.ledger.Refund(ctx, p, account, category, amount, reference)
}

func (c *Core) GrantCredit(ctx context.Context, p auth.Principal, to, category string, amount int64, description string) (ledger.Ref, error) {
	return c.ledger.Grant(ctx, p, to, category, amount, description)
}

func (c *Core) GetBalance(ctx context.Context, p auth.Principal, account, category string) (int64, error) {
	if err := c.ledger.Authorize(ctx, p, account); err != nil {
		return 0, err
	}
	return c.ledger.Balance(ctx, account, category)
}

// GetTransactionHistory yields account's rows in order. An authorization
// failure is yielded as the only element.
func (c *Core) GetTransactionHistory(ctx context.Context, p auth.Principal, account string, filter ledger.Filter, page ledger.Page) iter.Seq2[storage.Transaction, error] {
	if err := c.ledger.Authorize(ctx, p, account); err != nil {
		return func(yield func(storage.Transaction, error) bool) {
			yield(storage.Transaction{}, err)
		}
	}
	return c.ledger.History(ctx, account, filter, page)
}
