package campaign

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"campaignd/internal/auth"
	"campaignd/internal/channel"
	"campaignd/internal/eventbus"
	"campaignd/internal/instance"
	"campaignd/internal/ledger"
	"campaignd/internal/media"
	"campaignd/internal/observability/metrics"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// Ledger is the part of the credit ledger the dispatcher uses.
type Ledger interface {
	// Reserve debits amount and runs then in the same storage transaction.
	Reserve(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string, then func(tx storage.LedgerTx) error) (ledger.Ref, error)
	Refund(ctx context.Context, p auth.Principal, account, category string, amount int64, reference string) (ledger.Ref, error)
	Authorize(ctx context.Context, p auth.Principal, account string) error
}

type Sender interface {
	Send(ctx context.Context, instance, chatID string, msg channel.Message) (string, error)
}

type Deps struct {
	Store   storage.Store
	Ledger  Ledger
	Sender  Sender
	Pools   instance.PoolSource
	Media   media.Store
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
	Now     func() time.Time
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	store   storage.Store
	ledger  Ledger
	sender  Sender
	pools   instance.PoolSource
	media   media.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	queue chan string
	// queued holds ids waiting in queue; runs holds campaigns being dispatched.
	queued map[string]bool
	runs   map[string]*run

	stopCh chan struct{}
	// stopDone is non-nil while Stop is in progress.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, d Deps) *Service {
	cfg = cfg.withDefaults()
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Pools == nil {
		d.Pools = instance.StaticPool{}
	}
	return &Service{
		cfg:     cfg,
		store:   d.Store,
		ledger:  d.Ledger,
		sender:  d.Sender,
		pools:   d.Pools,
		media:   d.Media,
		bus:     d.Bus,
		metrics: d.Metrics,
		log:     d.Log.With(logx.String("comp", "campaign")),
		now:     d.Now,
		queue:   make(chan string, cfg.QueueSize),
		queued:  map[string]bool{},
		runs:    map[string]*run{},
	}
}

// Apply swaps the worker sizing. Runner count changes take effect on the
// next Start; the recipient pool size applies to campaigns started later.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.QueueSize = s.cfg.QueueSize
	s.cfg = cfg
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the campaign runners. Campaigns queued while stopped are
// kept and picked up.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.runner(runCtx, stopCh, queue, idx)
		}()
	}
	s.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("recipient_workers", s.cfg.RecipientWorkers))
}

// Stop cancels the runners and waits for them (bounded by ctx). Campaigns
// interrupted mid-flight keep their stored state for Recover.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) runner(ctx context.Context, stopCh <-chan struct{}, queue <-chan string, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.mu.Lock()
			delete(s.queued, id)
			s.mu.Unlock()
			s.safeRun(ctx, id, idx)
		}
	}
}

func (s *Service) safeRun(ctx context.Context, id string, idx int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in campaign runner", logx.String("campaign", id), logx.Int("worker", idx),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.mu.Lock()
			delete(s.runs, id)
			s.mu.Unlock()
		}
	}()
	s.runCampaign(ctx, id)
}

// enqueue hands id to the runners unless it is already waiting or running.
// A full queue leaves the campaign scheduled; the due sweep retries it.
func (s *Service) enqueue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(id)
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// StatusChange is the payload of eventbus.CampaignStatus.
type StatusChange struct {
	ID   string
	From Status
	To   Status
}

// enqueueLocked is enqueue for callers already holding s.mu.
func (s *Service) enqueueLocked(id string) bool {
	if s.queued[id] || s.runs[id] != nil {
		return false
	}
	select {
	case s.queue <- id:
		s.queued[id] = true
		return true
	default:
		s.log.Warn("campaign queue full", logx.String("campaign", id), logx.Int("queue_cap", cap(s.queue)))
		return false
	}
}
