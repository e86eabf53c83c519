package service

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultReservationTTL = 10 * time.Minute
	DefaultPaymentTTL     = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultSweepBatchSize = 100
)

// CancelPolicy decides what happens to a converted reservation when its
// order is cancelled by the buyer.
type CancelPolicy string

const (
	// CancelPolicyRelease gives the stock back and cancels the reservation.
	CancelPolicyRelease CancelPolicy = "release"
	// CancelPolicyResume hands the hold back to the reservation with its
	// original deadline. A deadline that already passed expires it instead.
	// A reservation keeps at most one order, so after a resume Create for it
	// returns the cancelled order. The resumed hold can only be cancelled or
	// left to expire.
	CancelPolicyResume CancelPolicy = "resume"
)

var tracer = otel.Tracer("github.com/rl1809/flash-sale-settlement/internal/core/service")

type settings struct {
	now            func() time.Time
	log            *zap.Logger
	reservationTTL time.Duration
	paymentTTL     time.Duration
	cancelPolicy   CancelPolicy
	sweepInterval  time.Duration
	sweepBatchSize int
}

type Option func(*settings)

func newSettings(opts []Option) settings {
	s := settings{
		now:            time.Now,
		log:            zap.NewNop(),
		reservationTTL: DefaultReservationTTL,
		paymentTTL:     DefaultPaymentTTL,
		cancelPolicy:   CancelPolicyRelease,
		sweepInterval:  DefaultSweepInterval,
		sweepBatchSize: DefaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

func WithReservationTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.reservationTTL = d
		}
	}
}

func WithPaymentTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.paymentTTL = d
		}
	}
}

func WithCancelPolicy(p CancelPolicy) Option {
	return func(s *settings) {
		if p == CancelPolicyRelease || p == CancelPolicyResume {
			s.cancelPolicy = p
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

func WithSweepBatchSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.sweepBatchSize = n
		}
	}
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
