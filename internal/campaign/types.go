package campaign

import (
	"time"

	"campaignd/internal/channel"
	"campaignd/internal/instance"
)

type Status string

const (
	StatusDraft           Status = "draft"
	StatusScheduled       Status = "scheduled"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially-failed"
	StatusCancelled       Status = "cancelled"
)

// A paused campaign whose last recipient was already in flight still
// settles, hence the paused → terminal edges.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled},
	StatusScheduled: {StatusRunning},
	StatusRunning:   {StatusPaused, StatusCancelled, StatusCompleted, StatusPartiallyFailed},
	StatusPaused:    {StatusRunning, StatusCancelled, StatusCompleted, StatusPartiallyFailed},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPartiallyFailed || s == StatusCancelled
}

type RecipientStatus string

const (
	RecipientPending       RecipientStatus = "pending"
	RecipientSent          RecipientStatus = "sent"
	RecipientPartiallySent RecipientStatus = "partially-sent"
	RecipientFailed        RecipientStatus = "failed"
	RecipientSkipped       RecipientStatus = "skipped"
)

// Target is the kind of chat a bare address is normalized to.
type Target string

const (
	TargetIndividual Target = "individual"
	TargetGroup      Target = "group"
	TargetChannel    Target = "channel"
)

// NormalizeRule turns raw addresses into chat ids.
type NormalizeRule struct {
	// RegionCode is the default country calling code, digits only (e.g. "62").
	RegionCode string
	// Target applies to addresses that carry no suffix of their own.
	Target Target
}

type InstanceSpec struct {
	Strategy instance.Strategy
	// Pool restricts the owner's instances; empty means all of them.
	Pool  []string
	Bound string
}

// Spec is a campaign submission.
type Spec struct {
	// Owner is the account charged; empty means the submitting principal.
	Owner      string
	Name       string
	Category   string
	Recipients []string
	Normalize  NormalizeRule

	Text  string
	Media []channel.MediaMessage
	// Interactive is one of the button, poll, location, vcard, group or
	// channel variants.
	Interactive channel.Message

	// Pacing is the minimum gap between recipient starts. Sends are strictly
	// one after another only when Config.RecipientWorkers is 1.
	Pacing time.Duration
	// ScheduleAt delays the start; zero starts as soon as a runner is free.
	ScheduleAt time.Time
	Instances  InstanceSpec
}

type Counts struct {
	Total         int
	Pending       int
	Sent          int
	PartiallySent int
	Failed        int
	Skipped       int
}

func (c *Counts) add(s RecipientStatus) {
	c.Total++
	switch s {
	case RecipientPending:
		c.Pending++
	case RecipientSent:
		c.Sent++
	case RecipientPartiallySent:
		c.PartiallySent++
	case RecipientFailed:
		c.Failed++
	case RecipientSkipped:
		c.Skipped++
	}
}

type RecipientResult struct {
	Index      int
	Raw        string
	ChatID     string
	Status     RecipientStatus
	Instance   string
	MessageIDs []string
	RetryCount int
	// Err is set for failed and partially-sent recipients.
	Err       *ExternalSendError
	UpdatedAt time.Time
}

// Report is the queryable outcome of a campaign.
type Report struct {
	ID         string
	Owner      string
	Name       string
	Category   string
	Kind       channel.Kind
	Status     Status
	UnitCost   int64
	Reserved   int64
	Refunded   int64
	RetryOf    string
	LastError  string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Counts     Counts
	Recipients []RecipientResult
}

// Config sizes the dispatcher.
type Config struct {
	// Workers is the number of campaigns dispatched concurrently.
	Workers int
	// RecipientWorkers is the per-campaign worker pool size. With more than
	// one worker, Pacing spaces recipient starts but sends may overlap.
	RecipientWorkers int
	// QueueSize bounds campaigns waiting for a runner.
	QueueSize int
	// SettleAttempts bounds refund retries at settlement.
	SettleAttempts int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RecipientWorkers <= 0 {
		c.RecipientWorkers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SettleAttempts <= 0 {
		c.SettleAttempts = 3
	}
	return c
}
