package messages

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/clock"
	"github.com/matheus3301/imclient/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNoConversation is returned by LoadOlder before a conversation is loaded.
	ErrNoConversation = errors.New("messages: no conversation loaded")
	// ErrSuperseded is returned when a fetch completes after the list was
	// reset or switched to another load.
	ErrSuperseded = errors.New("messages: load superseded")
)

// List change reasons.
const (
	ReasonLoadInitial = "load_initial"
	ReasonLoadOlder   = "load_older"
	ReasonIncoming    = "incoming"
	ReasonOptimistic  = "optimistic"
	ReasonConfirmed   = "confirmed"
	ReasonFailed      = "failed"
	ReasonStatus      = "status"
	ReasonRecalled    = "recalled"
	ReasonNames       = "names"
	ReasonReset       = "reset"
)

// ListChange is published on the bus after every mutation.
type ListChange struct {
	ConvID int64
	Reason string
	Size   int
}

// HistoryFetcher loads history pages. Page 1 is the newest.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, convID int64, page, pageSize int) (protocol.HistoryPage, error)
}

// NameResolver picks a sender's display name.
type NameResolver interface {
	Resolve(senderID, convID int64, fallback string) string
}

// Identity reports the signed-in user.
type Identity interface {
	CurrentUserID() (int64, bool)
}

// Options tunes a Store. Zero values select defaults.
type Options struct {
	PageSize int
	Clock    clock.Clock
	NewID    func() string
}

// Store is the reconciliation engine for the open conversation. All
// operations are serialized and applied in call order.
type Store struct {
	fetcher  HistoryFetcher
	names    NameResolver
	identity Identity
	bus      *bus.Bus
	logger   *zap.Logger
	clock    clock.Clock
	pageSize int
	newID    func() string

	mu      sync.Mutex
	convID  int64
	list    []DisplayMessage
	ids     map[int64]struct{}
	pending map[string]*PendingSend
	page    Pagination
	// epoch invalidates fetches started before the last Reset or LoadInitial.
	epoch        uint64
	loadingOlder bool
}

// NewStore creates an empty store.
func NewStore(fetcher HistoryFetcher, names NameResolver, identity Identity, b *bus.Bus, logger *zap.Logger, opts Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Store{
		fetcher:  fetcher,
		names:    names,
		identity: identity,
		bus:      b,
		logger:   logger.Named("messages"),
		clock:    opts.Clock,
		pageSize: opts.PageSize,
		newID:    opts.NewID,
		ids:      map[int64]struct{}{},
		pending:  map[string]*PendingSend{},
	}
}

// LoadInitial replaces the list with the newest history page of convID.
// Entries of the same conversation that are newer than the page, or not yet
// confirmed, are kept. On error the list is left untouched.
func (s *Store) LoadInitial(ctx context.Context, convID int64) error {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	page, err := s.fetcher.FetchHistory(ctx, convID, 1, s.pageSize)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", convID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrSuperseded
	}

	fetched := make([]DisplayMessage, 0, len(page.Messages))
	seen := make(map[int64]struct{}, len(page.Messages))
	var newest int64
	for _, hm := range page.Messages {
		m := FromHistory(hm)
		if m.MessageID == 0 {
			continue
		}
		if _, dup := seen[m.MessageID]; dup {
			continue
		}
		seen[m.MessageID] = struct{}{}
		s.decorateLocked(&m)
		newest = max(newest, m.SendTime)
		fetched = append(fetched, m)
	}

	if s.convID == convID {
		for _, m := range s.list {
			if m.MessageID != 0 {
				if _, dup := seen[m.MessageID]; dup || m.SendTime <= newest {
					continue
				}
				seen[m.MessageID] = struct{}{}
			}
			fetched = append(fetched, m)
		}
	}

	s.convID = convID
	s.list = fetched
	s.sortLocked()
	s.reindexLocked()
	for id := range s.pending {
		if s.indexOfLocalLocked(id) < 0 {
			delete(s.pending, id)
		}
	}
	s.page = Pagination{
		Page:     max(page.Page, 1),
		PageSize: page.PageSize,
		Total:    page.Total,
		HasMore:  page.HasMore(),
	}

	s.logger.Debug("conversation loaded",
		zap.Int64("conv_id", convID),
		zap.Int("messages", len(s.list)),
		zap.Int("total", page.Total))
	for _, m := range s.list {
		s.publishUpsertLocked(m)
	}
	s.publishChangeLocked(ReasonLoadInitial)
	return nil
}

// LoadOlder fetches the next history page and merges it at the front. It
// returns the number of messages added.
func (s *Store) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.convID == 0 {
		s.mu.Unlock()
		return 0, ErrNoConversation
	}
	if !s.page.HasMore || s.loadingOlder {
		s.mu.Unlock()
		return 0, nil
	}
	convID, next, epoch := s.convID, s.page.Page+1, s.epoch
	s.loadingOlder = true
	s.mu.Unlock()

	page, err := s.fetcher.FetchHistory(ctx, convID, next, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingOlder = false
	if err != nil {
		return 0, fmt.Errorf("load page %d of conversation %d: %w", next, convID, err)
	}
	if s.epoch != epoch {
		return 0, ErrSuperseded
	}

	batch := make([]DisplayMessage, 0, len(page.Messages))
	for _, hm := range page.Messages {
		batch = append(batch, FromHistory(hm))
	}
	added := s.mergeLocked(batch, Prepend)
	s.page = Pagination{
		Page:     max(page.Page, next),
		PageSize: page.PageSize,
		Total:    page.Total,
		HasMore:  page.HasMore(),
	}
	s.publishChangeLocked(ReasonLoadOlder)
	return added, nil
}

// MergeIncoming adds messages that are not in the list yet. Entries without
// a server id, or whose id is already present, are ignored. An entry carrying
// the LocalID of an unconfirmed send confirms that send instead. It returns
// how many entries were added or confirmed.
func (s *Store) MergeIncoming(msgs []DisplayMessage, position Position) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.mergeLocked(msgs, position)
	if n > 0 {
		s.publishChangeLocked(ReasonIncoming)
	}
	return n
}

// AddOptimistic inserts an unconfirmed send and returns its LocalID.
func (s *Store) AddOptimistic(msg DisplayMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.LocalID != "" && s.indexOfLocalLocked(msg.LocalID) >= 0 {
		return msg.LocalID
	}
	if msg.LocalID == "" {
		msg.LocalID = s.newID()
	}
	now := s.clock.Now()
	msg.MessageID = 0
	msg.Status = StatusSending
	msg.IsSentByMe = true
	if msg.ConvID == 0 {
		msg.ConvID = s.convID
	}
	if me, ok := s.currentUser(); ok && msg.SenderID == 0 {
		msg.SenderID = me
	}
	if msg.SendTime == 0 {
		msg.SendTime = now.UnixMilli()
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	s.resolveLocked(&msg)

	s.list = append(s.list, msg)
	s.sortLocked()
	s.pending[msg.LocalID] = &PendingSend{
		LocalID:     msg.LocalID,
		Message:     msg.clone(),
		CreatedAt:   now,
		LastAttempt: now,
		Attempts:    1,
	}
	s.publishChangeLocked(ReasonOptimistic)
	return msg.LocalID
}

// ReconcileConfirmation replaces the optimistic entry localID with the
// server's copy. It reports false when no entry carries localID, in which
// case serverMsg is merged as a live arrival.
func (s *Store) ReconcileConfirmation(localID string, serverMsg DisplayMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocalLocked(localID)
	if idx < 0 {
		serverMsg.LocalID = localID
		if s.mergeLocked([]DisplayMessage{serverMsg}, Append) > 0 {
			s.publishChangeLocked(ReasonIncoming)
		}
		return false
	}
	s.confirmLocked(idx, serverMsg)
	s.publishChangeLocked(ReasonConfirmed)
	return true
}

// MarkFailed flags an unconfirmed send as failed. The entry stays in the list.
func (s *Store) MarkFailed(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocalLocked(localID)
	if idx < 0 || s.list[idx].MessageID != 0 {
		return false
	}
	delete(s.pending, localID)
	if s.list[idx].Status == StatusFailed {
		return true
	}
	s.list[idx].Status = StatusFailed
	s.publishChangeLocked(ReasonFailed)
	return true
}

// UpdateStatus advances the status of a confirmed message. Status never
// moves backwards along sent, delivered, read. It reports whether the entry
// changed.
func (s *Store) UpdateStatus(messageID int64, status Status) bool {
	if status < StatusSent || status > StatusRead {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfIDLocked(messageID)
	if idx < 0 || s.list[idx].Status >= status {
		return false
	}
	s.list[idx].Status = status
	s.publishUpsertLocked(s.list[idx])
	s.publishChangeLocked(ReasonStatus)
	return true
}

// MarkRecalled flags a message as withdrawn.
func (s *Store) MarkRecalled(messageID int64, recallTime int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfIDLocked(messageID)
	if idx < 0 || s.list[idx].IsRecalled {
		return false
	}
	s.list[idx].IsRecalled = true
	s.list[idx].RecallTime = recallTime
	s.publishUpsertLocked(s.list[idx])
	s.publishChangeLocked(ReasonRecalled)
	return true
}

// RefreshNames re-resolves every sender name, typically after a roster update.
func (s *Store) RefreshNames() {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.list {
		before := s.list[i].ResolvedSenderName
		s.resolveLocked(&s.list[i])
		changed = changed || before != s.list[i].ResolvedSenderName
	}
	if changed {
		s.publishChangeLocked(ReasonNames)
	}
}

// Reset empties the store, including pending sends and paging.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.convID = 0
	s.list = nil
	s.ids = map[int64]struct{}{}
	s.pending = map[string]*PendingSend{}
	s.page = Pagination{}
	s.loadingOlder = false
	s.publishChangeLocked(ReasonReset)
}

// Messages returns a copy of the list in display order.
func (s *Store) Messages() []DisplayMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DisplayMessage, len(s.list))
	for i, m := range s.list {
		out[i] = m.clone()
	}
	return out
}

// Lookup returns the entry with the given LocalID.
func (s *Store) Lookup(localID string) (DisplayMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfLocalLocked(localID)
	if idx < 0 {
		return DisplayMessage{}, false
	}
	return s.list[idx].clone(), true
}

// ConvID returns the open conversation, or 0.
func (s *Store) ConvID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Pagination returns the paging cursor.
func (s *Store) Pagination() Pagination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Pending returns unconfirmed sends, oldest first.
func (s *Store) Pending() []PendingSend {
	return s.PendingByAge(time.Time{}, -1)
}

// PendingByAge returns unconfirmed sends whose last attempt is at least
// timeout before now, oldest first. A negative timeout returns all of them.
func (s *Store) PendingByAge(now time.Time, timeout time.Duration) []PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PendingSend
	for _, p := range s.pending {
		if timeout >= 0 && now.Sub(p.LastAttempt) < timeout {
			continue
		}
		cp := *p
		cp.Message = p.Message.clone()
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b PendingSend) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.LocalID, b.LocalID)
	})
	return out
}

// RecordAttempt notes a resend of a pending message. It returns the new
// attempt count, or 0 when localID is no longer pending.
func (s *Store) RecordAttempt(localID string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[localID]
	if !ok {
		return 0
	}
	p.Attempts++
	p.LastAttempt = at
	return p.Attempts
}

func (s *Store) mergeLocked(msgs []DisplayMessage, position Position) int {
	var batch []DisplayMessage
	applied := 0
	for _, m := range msgs {
		if m.MessageID == 0 {
			continue
		}
		if s.convID != 0 && m.ConvID != 0 && m.ConvID != s.convID {
			continue
		}
		if _, dup := s.ids[m.MessageID]; dup {
			continue
		}
		if m.LocalID != "" {
			if idx := s.indexOfLocalLocked(m.LocalID); idx >= 0 && s.list[idx].MessageID == 0 {
				s.confirmLocked(idx, m)
				applied++
				continue
			}
		}
		m = m.clone()
		s.decorateLocked(&m)
		s.ids[m.MessageID] = struct{}{}
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return applied
	}

	if position == Prepend {
		s.list = append(batch, s.list...)
	} else {
		s.list = append(s.list, batch...)
	}
	s.sortLocked()
	for _, m := range batch {
		s.publishUpsertLocked(m)
	}
	return applied + len(batch)
}

// confirmLocked applies a server copy to the entry at idx.
func (s *Store) confirmLocked(idx int, server DisplayMessage) {
	old := s.list[idx]
	delete(s.pending, old.LocalID)

	if server.MessageID != 0 && server.MessageID != old.MessageID {
		if other := s.indexOfIDLocked(server.MessageID); other >= 0 {
			// The live echo arrived first; keep it and drop the optimistic copy.
			s.list[other].LocalID = old.LocalID
			s.list[other].IsSentByMe = true
			s.publishUpsertLocked(s.list[other])
			s.list = slices.Delete(s.list, idx, idx+1)
			return
		}
	}

	m := server.clone()
	m.LocalID = old.LocalID
	m.IsSentByMe = true
	if m.ConvID == 0 {
		m.ConvID = old.ConvID
	}
	if m.SenderID == 0 {
		m.SenderID = old.SenderID
	}
	if m.SendTime == 0 {
		m.SendTime = old.SendTime
	}
	if m.Content == "" {
		m.Content = old.Content
	}
	if m.MessageType == "" {
		m.MessageType = old.MessageType
	}
	if m.ReplyToMessageID == 0 {
		m.ReplyToMessageID = old.ReplyToMessageID
	}
	if m.AtUserIDs == nil {
		m.AtUserIDs = slices.Clone(old.AtUserIDs)
	}
	if m.ServerName == "" {
		m.ServerName = old.ServerName
	}
	if m.Status < StatusSent || m.Status > StatusRead {
		m.Status = StatusSent
	}
	if old.Status > m.Status && old.Status <= StatusRead {
		m.Status = old.Status
	}
	if old.IsRecalled {
		m.IsRecalled = true
		m.RecallTime = max(m.RecallTime, old.RecallTime)
	}
	s.resolveLocked(&m)

	if old.MessageID != 0 {
		delete(s.ids, old.MessageID)
	}
	if m.MessageID != 0 {
		s.ids[m.MessageID] = struct{}{}
	}
	s.list[idx] = m
	s.sortLocked()
	if m.MessageID != 0 {
		s.publishUpsertLocked(m)
	}
}

// decorateLocked tags ownership and resolves the sender name.
func (s *Store) decorateLocked(m *DisplayMessage) {
	if me, ok := s.currentUser(); ok {
		m.IsSentByMe = m.SenderID == me
	}
	s.resolveLocked(m)
}

func (s *Store) resolveLocked(m *DisplayMessage) {
	if s.names == nil {
		m.ResolvedSenderName = m.ServerName
		return
	}
	m.ResolvedSenderName = s.names.Resolve(m.SenderID, m.ConvID, m.ServerName)
}

func (s *Store) currentUser() (int64, bool) {
	if s.identity == nil {
		return 0, false
	}
	return s.identity.CurrentUserID()
}

func (s *Store) sortLocked() {
	slices.SortStableFunc(s.list, func(a, b DisplayMessage) int {
		return cmp.Compare(a.SendTime, b.SendTime)
	})
}

func (s *Store) reindexLocked() {
	s.ids = make(map[int64]struct{}, len(s.list))
	for _, m := range s.list {
		if m.MessageID != 0 {
			s.ids[m.MessageID] = struct{}{}
		}
	}
}

func (s *Store) indexOfIDLocked(messageID int64) int {
	if messageID == 0 {
		return -1
	}
	if _, ok := s.ids[messageID]; !ok {
		return -1
	}
	return slices.IndexFunc(s.list, func(m DisplayMessage) bool { return m.MessageID == messageID })
}

func (s *Store) indexOfLocalLocked(localID string) int {
	if localID == "" {
		return -1
	}
	return slices.IndexFunc(s.list, func(m DisplayMessage) bool { return m.LocalID == localID })
}

func (s *Store) publishUpsertLocked(m DisplayMessage) {
	if m.MessageID == 0 {
		return
	}
	s.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, m.clone()))
}

func (s *Store) publishChangeLocked(reason string) {
	s.bus.Publish(bus.NewEvent(bus.KindMessageListChanged, ListChange{ConvID: s.convID, Reason: reason, Size: len(s.list)}))
}
