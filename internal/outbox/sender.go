package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/clock"
	"github.com/matheus3301/imclient/internal/messages"
	"github.com/matheus3301/imclient/internal/protocol"
	"github.com/matheus3301/imclient/internal/store"
	"go.uber.org/zap"
)

// ReasonNoConfirmation is recorded when the retry budget runs out.
const ReasonNoConfirmation = "no confirmation from server"

// PendingSource is the message store's pending-send bookkeeping.
type PendingSource interface {
	PendingByAge(now time.Time, timeout time.Duration) []messages.PendingSend
	RecordAttempt(localID string, at time.Time) int
	MarkFailed(localID string) bool
}

// FrameSender writes a frame to the live connection.
type FrameSender interface {
	Send(ctx context.Context, frame any) error
}

// Options tunes the sweeper.
type Options struct {
	Interval   time.Duration
	AckTimeout time.Duration
	MaxRetries int
	Clock      clock.Clock
}

// Sender resends optimistic messages that were not confirmed within the ack
// timeout, and marks them failed once the retry budget is spent.
type Sender struct {
	pending PendingSource
	conn    FrameSender
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new pending-send sweeper. db may be nil.
func NewSender(pending PendingSource, conn FrameSender, db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 15 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Sender{
		pending: pending,
		conn:    conn,
		db:      db,
		bus:     b,
		logger:  logger.Named("outbox"),
		opts:    opts,
	}
}

// Start begins sweeping every Interval of the configured clock.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sweeper and waits for the loop to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)

	for {
		due := make(chan struct{})
		timer := s.opts.Clock.AfterFunc(s.opts.Interval, func() { close(due) })
		select {
		case <-due:
			s.Sweep(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Sweep handles every pending send whose last attempt timed out. It returns
// how many were resent and how many were failed.
func (s *Sender) Sweep(ctx context.Context) (resent, failed int) {
	now := s.opts.Clock.Now()
	for _, p := range s.pending.PendingByAge(now, s.opts.AckTimeout) {
		if p.Attempts > s.opts.MaxRetries {
			if s.fail(p) {
				failed++
			}
			continue
		}

		if s.pending.RecordAttempt(p.LocalID, now) == 0 {
			continue
		}
		if s.db != nil {
			if err := s.db.RecordOutboxAttempt(p.LocalID); err != nil {
				s.logger.Warn("failed to journal attempt", zap.Error(err), zap.String("local_id", p.LocalID))
			}
		}
		if err := s.conn.Send(ctx, frameFor(p.Message)); err != nil {
			s.logger.Debug("resend failed", zap.Error(err), zap.String("local_id", p.LocalID), zap.Int("attempt", p.Attempts+1))
			continue
		}
		s.logger.Info("message resent", zap.String("local_id", p.LocalID), zap.Int("attempt", p.Attempts+1))
		resent++
	}
	return resent, failed
}

func (s *Sender) fail(p messages.PendingSend) bool {
	if !s.pending.MarkFailed(p.LocalID) {
		return false
	}
	s.logger.Warn("giving up on message",
		zap.String("local_id", p.LocalID),
		zap.Int64("conv_id", p.Message.ConvID),
		zap.Int("attempts", p.Attempts))
	if s.db != nil {
		if err := s.db.MarkOutboxFailed(p.LocalID, ReasonNoConfirmation); err != nil {
			s.logger.Error("failed to mark failed", zap.Error(err), zap.String("local_id", p.LocalID))
		}
	}
	s.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, messages.SendFailure{
		LocalID: p.LocalID,
		ConvID:  p.Message.ConvID,
		Reason:  ReasonNoConfirmation,
	}))
	return true
}

// frameFor rebuilds the sendMessage frame of an optimistic entry.
func frameFor(m messages.DisplayMessage) protocol.SendMessage {
	return protocol.NewSendMessage(m.ConvID, m.SenderID, m.MessageType, m.Content, m.LocalID).
		WithReply(m.ReplyToMessageID, m.AtUserIDs)
}
