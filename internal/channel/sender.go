package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"campaignd/internal/observability/metrics"
	logx "campaignd/pkg/logx"
)

// Provider is implemented by messaging backends, one method per variant.
// Returned ids are provider message ids.
type Provider interface {
	SendText(ctx context.Context, instance, chatID string, m TextMessage) (string, error)
	SendMedia(ctx context.Context, instance, chatID string, m MediaMessage) (string, error)
	SendButtons(ctx context.Context, instance, chatID string, m ButtonMessage) (string, error)
	SendPoll(ctx context.Context, instance, chatID string, m PollMessage) (string, error)
	SendLocation(ctx context.Context, instance, chatID string, m LocationMessage) (string, error)
	SendVCard(ctx context.Context, instance, chatID string, m VCardMessage) (string, error)
	GroupOp(ctx context.Context, instance, chatID string, m GroupOp) (string, error)
	ChannelOp(ctx context.Context, instance, chatID string, m ChannelOp) (string, error)
}

const (
	CodeTimeout     = "timeout"
	CodeCanceled    = "canceled"
	CodeRejected    = "rejected"
	CodeUnsupported = "unsupported"
	CodeUnavailable = "unavailable"
	CodeUnknown     = "unknown"
)

var ErrUnsupported = errors.New("operation not supported by provider")

// ProviderError is the normalized failure of one provider call.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return "provider error: " + e.Code
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Rejected builds a ProviderError for a provider-side refusal.
func Rejected(code, message string) *ProviderError {
	if code == "" {
		code = CodeRejected
	}
	return &ProviderError{Code: code, Message: message}
}

type SenderOptions struct {
	// Timeout bounds each provider call; 0 means 30s.
	Timeout time.Duration
	// RatePerSec caps calls across all campaigns; 0 disables the cap.
	RatePerSec float64
	Burst      int
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

// Sender delivers validated messages through a Provider with a per-call
// timeout and an optional provider-wide rate limit.
type Sender struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	log      logx.Logger
}

func NewSender(p Provider, opts SenderOptions) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return &Sender{
		provider: p,
		timeout:  opts.Timeout,
		limiter:  lim,
		metrics:  opts.Metrics,
		log:      opts.Log.With(logx.String("comp", "channel")),
	}
}

// Send delivers msg to chatID from instance. Every failure is a
// *ProviderError.
func (s *Sender) Send(ctx context.Context, instance, chatID string, msg Message) (string, error) {
	if msg == nil {
		return "", &ProviderError{Code: CodeRejected, Message: "nil message"}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", normalize(ctx, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	id, err := msg.deliver(callCtx, s.provider, instance, chatID)
	if err != nil {
		err = normalize(callCtx, err)
	}
	code := "ok"
	if err != nil {
		var pe *ProviderError
		errors.As(err, &pe)
		code = pe.Code
		s.log.Debug("send failed",
			logx.String("kind", string(msg.Kind())),
			logx.String("instance", instance),
			logx.String("chat", chatID),
			logx.Err(err),
		)
	}
	s.metrics.Send(string(msg.Kind()), code, time.Since(start))
	return id, err
}

func normalize(ctx context.Context, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ProviderError{Code: CodeTimeout, Message: "send timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &ProviderError{Code: CodeCanceled, Message: "send canceled", Err: err}
	case errors.Is(err, ErrUnsupported):
		return &ProviderError{Code: CodeUnsupported, Message: err.Error(), Err: err}
	default:
		return &ProviderError{Code: CodeUnknown, Message: err.Error(), Err: err}
	}
}
