package sync

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/conn"
	"github.com/matheus3301/imclient/internal/messages"
	"github.com/matheus3301/imclient/internal/protocol"
	"github.com/matheus3301/imclient/internal/roster"
	"github.com/matheus3301/imclient/internal/router"
	"github.com/matheus3301/imclient/internal/status"
	"github.com/matheus3301/imclient/internal/store"
	"go.uber.org/zap"
)

// Connection is the part of the connection manager the engine drives.
type Connection interface {
	State() status.State
	Send(ctx context.Context, frame any) error
}

// RosterAPI fetches rosters from the server.
type RosterAPI interface {
	FetchFriends(ctx context.Context, userID int64) ([]protocol.Friend, error)
	FetchMembers(ctx context.Context, convID int64) ([]protocol.Member, error)
}

// IdentityRecorder persists the user id the server reports on connect.
type IdentityRecorder interface {
	SetUserID(userID int64) error
}

// Connected is the payload of sync.connected.
type Connected struct {
	UserID        int64
	Subscriptions []int64
}

// Engine routes inbound frames into the message store, runs user commands
// against the connection and journals confirmed messages into sqlite.
type Engine struct {
	conn     Connection
	msgs     *messages.Store
	roster   *roster.Cache
	api      RosterAPI
	identity IdentityRecorder
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger

	mu      stdsync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      stdsync.WaitGroup
}

// NewEngine creates a sync engine and binds its handlers to r.
func NewEngine(c Connection, msgs *messages.Store, rc *roster.Cache, api RosterAPI, identity IdentityRecorder,
	db *store.DB, r *router.Router, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		conn:     c,
		msgs:     msgs,
		roster:   rc,
		api:      api,
		identity: identity,
		db:       db,
		bus:      b,
		logger:   logger.Named("sync"),
		ctx:      context.Background(),
	}
	r.Bind(router.Table{
		Connected:       e.onConnected,
		NewMessage:      e.onNewMessage,
		NewFileMessage:  e.onNewFileMessage,
		MessageSent:     e.onMessageSent,
		MessageAck:      e.onMessageAck,
		MessageRecalled: e.onMessageRecalled,
		MessageRead:     e.onMessageRead,
		Error:           e.onError,
		Raw:             e.onRaw,
	})
	return e
}

// Start journals message events until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, e.cancel = context.WithCancel(ctx)
	e.ctx = ctx
	ch, unsub := e.bus.Subscribe(bus.KindMessageUpserted, 256)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for background work. Frames routed after
// Stop start no new background work.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) handleEvent(evt bus.Event) {
	m, ok := evt.Payload.(messages.DisplayMessage)
	if !ok || m.MessageID == 0 {
		return
	}
	if err := e.journal(m); err != nil {
		e.logger.Error("failed to journal message", zap.Error(err), zap.Int64("message_id", m.MessageID))
	}
}

func (e *Engine) journal(m messages.DisplayMessage) error {
	if e.db == nil {
		return nil
	}
	if err := e.db.UpsertMessage(toRow(m)); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func toRow(m messages.DisplayMessage) *store.Message {
	return &store.Message{
		ConvID:      m.ConvID,
		MessageID:   m.MessageID,
		LocalID:     m.LocalID,
		SenderID:    m.SenderID,
		SenderName:  m.ResolvedSenderName,
		MessageType: m.MessageType,
		Content:     m.Content,
		Status:      int(m.Status),
		SendTime:    m.SendTime,
		IsRecalled:  m.IsRecalled,
		RecallTime:  m.RecallTime,
		FromMe:      m.IsSentByMe,
	}
}

// OpenConversation refreshes the member and friend rosters and loads the
// newest history page of convID. Roster failures are logged; history
// failures are returned and leave the previous conversation in place.
func (e *Engine) OpenConversation(ctx context.Context, convID int64) error {
	if convID <= 0 {
		return fmt.Errorf("open conversation: invalid id %d", convID)
	}
	e.refreshMembers(ctx, convID)
	if e.roster != nil {
		if me, ok := e.roster.CurrentUserID(); ok {
			e.refreshFriends(ctx, me)
		}
	}
	if err := e.msgs.LoadInitial(ctx, convID); err != nil {
		return err
	}
	if e.db != nil {
		if err := e.db.TouchConversation(convID, time.Now().UnixMilli()); err != nil {
			e.logger.Warn("failed to record open conversation", zap.Error(err), zap.Int64("conv_id", convID))
		}
	}
	e.logger.Info("conversation opened", zap.Int64("conv_id", convID), zap.Int("messages", len(e.msgs.Messages())))
	return nil
}

// LoadOlder loads the next history page of the open conversation.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	return e.msgs.LoadOlder(ctx)
}

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	ReplyToMessageID int64
	AtUserIDs        []int64
}

// SendText sends a text message to the open conversation. It fails without
// touching the store unless the connection is open. On a write failure the
// optimistic entry is kept and marked failed.
func (e *Engine) SendText(ctx context.Context, convID int64, text string, opts SendOptions) (string, error) {
	if st := e.conn.State(); st != status.Open {
		return "", fmt.Errorf("send in state %s: %w", st, conn.ErrNotConnected)
	}
	if open := e.msgs.ConvID(); open == 0 || open != convID {
		return "", fmt.Errorf("send to conversation %d: %w", convID, messages.ErrNoConversation)
	}
	if text == "" {
		return "", fmt.Errorf("send: empty message")
	}

	localID := e.msgs.AddOptimistic(messages.DisplayMessage{
		ConvID:           convID,
		MessageType:      protocol.MessageTypeText,
		Content:          text,
		ReplyToMessageID: opts.ReplyToMessageID,
		AtUserIDs:        slices.Clone(opts.AtUserIDs),
	})
	if e.db != nil {
		if err := e.db.QueueOutbox(localID, convID, protocol.MessageTypeText, text); err != nil {
			e.logger.Warn("failed to journal send", zap.Error(err), zap.String("local_id", localID))
		}
	}

	m, _ := e.msgs.Lookup(localID)
	frame := protocol.NewSendMessage(convID, m.SenderID, m.MessageType, text, localID).
		WithReply(m.ReplyToMessageID, m.AtUserIDs)
	if err := e.conn.Send(ctx, frame); err != nil {
		e.failSend(localID, convID, err.Error())
		return localID, fmt.Errorf("send message: %w", err)
	}
	e.logger.Debug("message sent", zap.String("local_id", localID), zap.Int64("conv_id", convID),
		zap.Int64("reply_to", opts.ReplyToMessageID))
	return localID, nil
}

// MarkRead tells the server the open conversation was read up to messageID.
func (e *Engine) MarkRead(ctx context.Context, messageID int64) error {
	convID := e.msgs.ConvID()
	if convID == 0 {
		return messages.ErrNoConversation
	}
	if err := e.conn.Send(ctx, protocol.NewReadMessage(convID, messageID)); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if e.db != nil {
		if err := e.db.MarkConversationRead(convID, messageID); err != nil {
			e.logger.Warn("failed to record read marker", zap.Error(err), zap.Int64("conv_id", convID))
		}
	}
	return nil
}

// Recall asks the server to withdraw one of the user's messages.
func (e *Engine) Recall(ctx context.Context, messageID int64) error {
	convID := e.msgs.ConvID()
	if convID == 0 {
		return messages.ErrNoConversation
	}
	if err := e.conn.Send(ctx, protocol.NewRecallMessage(convID, messageID)); err != nil {
		return fmt.Errorf("recall: %w", err)
	}
	return nil
}

func (e *Engine) failSend(localID string, convID int64, reason string) {
	if !e.msgs.MarkFailed(localID) {
		return
	}
	if e.db != nil {
		if err := e.db.MarkOutboxFailed(localID, reason); err != nil {
			e.logger.Warn("failed to journal send failure", zap.Error(err), zap.String("local_id", localID))
		}
	}
	e.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, messages.SendFailure{LocalID: localID, ConvID: convID, Reason: reason}))
}

func (e *Engine) onConnected(c protocol.Connected) {
	e.logger.Info("session established", zap.Int64("user_id", c.UserID), zap.Int("subscriptions", len(c.Subscriptions)))
	if c.UserID != 0 {
		if e.roster != nil {
			e.roster.SetUserID(c.UserID)
		}
		if e.identity != nil {
			if err := e.identity.SetUserID(c.UserID); err != nil {
				e.logger.Warn("failed to record user id", zap.Error(err))
			}
		}
	}
	if e.db != nil {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := e.db.SetState(store.StateLastConnectedAt, now); err != nil {
			e.logger.Warn("failed to record connect time", zap.Error(err))
		}
		if err := e.db.SetState(store.StateLastUserID, strconv.FormatInt(c.UserID, 10)); err != nil {
			e.logger.Warn("failed to record user id", zap.Error(err))
		}
	}
	e.bus.Publish(bus.NewEvent(bus.KindSyncConnected, Connected{UserID: c.UserID, Subscriptions: c.Subscriptions}))

	started := e.background(func(ctx context.Context) {
		e.refreshFriends(ctx, c.UserID)
		// Catch up on anything pushed while the link was down.
		if convID := e.msgs.ConvID(); convID != 0 {
			if err := e.msgs.LoadInitial(ctx, convID); err != nil {
				e.logger.Warn("resync after connect failed", zap.Error(err), zap.Int64("conv_id", convID))
			}
		}
	})
	if !started {
		e.logger.Debug("engine stopped, skipping resync")
	}
}

func (e *Engine) onNewMessage(m protocol.NewMessage) {
	dm := messages.FromNewMessage(m)
	if dm.ConvID != e.msgs.ConvID() {
		if err := e.journal(dm); err != nil {
			e.logger.Warn("failed to journal background message", zap.Error(err))
		}
		return
	}
	e.msgs.MergeIncoming([]messages.DisplayMessage{dm}, messages.Append)
}

func (e *Engine) onNewFileMessage(m protocol.NewMessage) {
	if m.MessageType == "" {
		m.MessageType = protocol.MessageTypeFile
	}
	e.onNewMessage(m)
}

func (e *Engine) onMessageSent(m protocol.NewMessage) {
	dm := messages.FromNewMessage(m)
	if m.LocalMessageID == "" {
		e.msgs.MergeIncoming([]messages.DisplayMessage{dm}, messages.Append)
		return
	}
	if !e.msgs.ReconcileConfirmation(m.LocalMessageID, dm) {
		e.logger.Debug("confirmation without optimistic entry", zap.String("local_id", m.LocalMessageID))
	}
	if e.db != nil {
		if err := e.db.MarkOutboxSent(m.LocalMessageID, m.MessageID); err != nil {
			e.logger.Warn("failed to journal confirmation", zap.Error(err), zap.String("local_id", m.LocalMessageID))
		}
	}
}

func (e *Engine) onMessageAck(a protocol.MessageAck) {
	st := messages.Status(a.Status)
	if a.LocalMessageID != "" && a.MessageID != 0 {
		if _, ok := e.msgs.Lookup(a.LocalMessageID); ok {
			e.msgs.ReconcileConfirmation(a.LocalMessageID, messages.DisplayMessage{MessageID: a.MessageID, ConvID: a.ConvID, Status: st})
			if e.db != nil {
				if err := e.db.MarkOutboxSent(a.LocalMessageID, a.MessageID); err != nil {
					e.logger.Warn("failed to journal ack", zap.Error(err))
				}
			}
			return
		}
	}
	e.msgs.UpdateStatus(a.MessageID, st)
}

func (e *Engine) onMessageRecalled(m protocol.MessageRecalled) {
	if !e.msgs.MarkRecalled(m.MessageID, int64(m.RecallTime)) && e.db != nil {
		// Not on screen; keep the journal accurate anyway.
		if err := e.db.MarkMessageRecalled(m.ConvID, m.MessageID, int64(m.RecallTime)); err != nil {
			e.logger.Warn("failed to journal recall", zap.Error(err))
		}
	}
}

func (e *Engine) onMessageRead(r protocol.MessageRead) {
	if e.roster != nil {
		if me, ok := e.roster.CurrentUserID(); ok && me == r.UserID {
			return
		}
	}
	e.msgs.UpdateStatus(r.MessageID, messages.StatusRead)
}

func (e *Engine) onError(se protocol.Error) {
	e.logger.Warn("server error", zap.String("code", string(se.Code)), zap.String("message", se.Message), zap.String("local_id", se.LocalMessageID))
	if se.LocalMessageID != "" {
		e.failSend(se.LocalMessageID, e.msgs.ConvID(), se.Message)
	}
}

func (e *Engine) onRaw(f protocol.Frame) {
	e.logger.Debug("unhandled frame", zap.String("action", string(f.Action)))
}

func (e *Engine) refreshFriends(ctx context.Context, userID int64) {
	if e.api == nil || e.roster == nil || userID == 0 {
		return
	}
	friends, err := e.api.FetchFriends(ctx, userID)
	if err != nil {
		e.logger.Warn("friend list refresh failed", zap.Error(err))
		return
	}
	if err := e.roster.ReplaceFriends(friends); err != nil {
		e.logger.Warn("failed to store friend list", zap.Error(err))
		return
	}
	e.msgs.RefreshNames()
	e.bus.Publish(bus.NewEvent(bus.KindSyncRosterReady, len(friends)))
}

func (e *Engine) refreshMembers(ctx context.Context, convID int64) {
	if e.api == nil || e.roster == nil {
		return
	}
	members, err := e.api.FetchMembers(ctx, convID)
	if err != nil {
		e.logger.Warn("member refresh failed", zap.Error(err), zap.Int64("conv_id", convID))
		return
	}
	if err := e.roster.ReplaceMembers(convID, members); err != nil {
		e.logger.Warn("failed to store members", zap.Error(err), zap.Int64("conv_id", convID))
	}
}

func (e *Engine) background(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.ctx.Err() != nil {
		return false
	}
	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
	return true
}
