package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/clock"
	"github.com/matheus3301/imclient/internal/httpapi"
	"github.com/matheus3301/imclient/internal/names"
	"github.com/matheus3301/imclient/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const me = int64(1)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[int]protocol.HistoryPage
	err   error
	calls []int
	gate  chan struct{}
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, convID int64, page, pageSize int) (protocol.HistoryPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	gate, err, p := f.gate, f.err, f.pages[page]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return protocol.HistoryPage{}, err
	}
	return p, nil
}

type identity int64

func (i identity) CurrentUserID() (int64, bool) { return int64(i), i != 0 }
func (identity) ProfileNickname() string        { return "Me" }

type friends map[int64]names.Friend

func (f friends) Friend(id int64) (names.Friend, bool) {
	v, ok := f[id]
	return v, ok
}

func hist(id, sender, sendTime int64) protocol.HistoryMessage {
	return protocol.HistoryMessage{
		MessageID:      id,
		ConvID:         5,
		SenderID:       sender,
		MessageType:    "text",
		MessageContent: fmt.Sprintf("m%d", id),
		MessageStatus:  1,
		SendTime:       protocol.Millis(sendTime),
		DisplayName:    fmt.Sprintf("server-%d", sender),
	}
}

func live(id, sendTime int64) DisplayMessage {
	return DisplayMessage{MessageID: id, ConvID: 5, SenderID: 2, Content: fmt.Sprintf("m%d", id), Status: StatusSent, SendTime: sendTime}
}

func ids(list []DisplayMessage) []int64 {
	out := make([]int64, len(list))
	for i, m := range list {
		out[i] = m.MessageID
	}
	return out
}

type fixture struct {
	store   *Store
	fetcher *fakeFetcher
	clock   *clock.Mock
	bus     *bus.Bus
	events  <-chan bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fetcher: &fakeFetcher{pages: map[int]protocol.HistoryPage{}},
		clock:   clock.NewMock(time.UnixMilli(1_000_000)),
		bus:     bus.New(),
	}
	ch, unsub := f.bus.Subscribe("message.", 256)
	t.Cleanup(unsub)
	f.events = ch
	seq := 0
	resolver := names.NewResolver(identity(me), nil, friends{2: {RemarkName: "Buddy"}})
	f.store = NewStore(f.fetcher, resolver, identity(me), f.bus, nil, Options{
		PageSize: 2,
		Clock:    f.clock,
		NewID:    func() string { seq++; return fmt.Sprintf("local-%d", seq) },
	})
	return f
}

func (f *fixture) load(t *testing.T, page protocol.HistoryPage) {
	t.Helper()
	f.fetcher.pages[1] = page
	require.NoError(t, f.store.LoadInitial(context.Background(), 5))
}

func (f *fixture) drain() []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func assertInvariants(t *testing.T, list []DisplayMessage) {
	t.Helper()
	seen := map[int64]bool{}
	for i, m := range list {
		if m.MessageID != 0 {
			assert.False(t, seen[m.MessageID], "duplicate message id %d", m.MessageID)
			seen[m.MessageID] = true
		}
		if i > 0 {
			assert.LessOrEqual(t, list[i-1].SendTime, m.SendTime, "list out of order at %d", i)
		}
	}
}

func TestLoadInitial(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{
		Messages: []protocol.HistoryMessage{hist(11, me, 2000), hist(10, 2, 1000), hist(10, 2, 1000), hist(12, 3, 3000)},
		Total:    5, Page: 1, PageSize: 2,
	})

	list := f.store.Messages()
	assert.Equal(t, []int64{10, 11, 12}, ids(list))
	assert.False(t, list[0].IsSentByMe)
	assert.True(t, list[1].IsSentByMe)
	assert.Equal(t, "Buddy", list[0].ResolvedSenderName)
	assert.Equal(t, "Me", list[1].ResolvedSenderName)
	assert.Equal(t, "server-3", list[2].ResolvedSenderName)
	assert.Equal(t, int64(5), f.store.ConvID())
	assert.Equal(t, Pagination{Page: 1, PageSize: 2, Total: 5, HasMore: true}, f.store.Pagination())

	evts := f.drain()
	require.NotEmpty(t, evts)
	last := evts[len(evts)-1]
	assert.Equal(t, bus.KindMessageListChanged, last.Kind)
	assert.Equal(t, ListChange{ConvID: 5, Reason: ReasonLoadInitial, Size: 3}, last.Payload)
}

func TestLoadInitialFailureKeepsList(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(10, 2, 1000)}, Total: 1, Page: 1, PageSize: 2})
	before := f.store.Messages()

	f.fetcher.err = &httpapi.APIError{Code: 500, Message: "boom"}
	err := f.store.LoadInitial(context.Background(), 6)
	var apiErr *httpapi.APIError
	require.ErrorAs(t, err, &apiErr)

	assert.Equal(t, before, f.store.Messages())
	assert.Equal(t, int64(5), f.store.ConvID())
	assert.Equal(t, 1, f.store.Pagination().Total)
}

func TestLoadInitialKeepsRacingArrivals(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(10, 2, 1000)}, Page: 1, PageSize: 2, Total: 1})

	localID := f.store.AddOptimistic(DisplayMessage{Content: "pending"})
	f.store.MergeIncoming([]DisplayMessage{live(20, 5_000_000)}, Append)

	f.fetcher.pages[1] = protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(10, 2, 1000), hist(11, 2, 2000)}, Page: 1, PageSize: 2, Total: 2}
	require.NoError(t, f.store.LoadInitial(context.Background(), 5))

	list := f.store.Messages()
	assert.Equal(t, []int64{10, 11, 0, 20}, ids(list))
	assert.Equal(t, localID, list[2].LocalID)
	require.Len(t, f.store.Pending(), 1)
}

func TestLoadInitialSwitchDropsPending(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})
	f.store.AddOptimistic(DisplayMessage{Content: "pending"})

	f.fetcher.pages[1] = protocol.HistoryPage{Messages: []protocol.HistoryMessage{{MessageID: 40, ConvID: 6, SendTime: 10}}, Page: 1, PageSize: 2, Total: 1}
	require.NoError(t, f.store.LoadInitial(context.Background(), 6))

	assert.Equal(t, []int64{40}, ids(f.store.Messages()))
	assert.Empty(t, f.store.Pending())
}

func TestLoadInitialSupersededByReset(t *testing.T) {
	f := newFixture(t)
	f.fetcher.gate = make(chan struct{})
	f.fetcher.pages[1] = protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(10, 2, 1000)}, Page: 1}

	errc := make(chan error, 1)
	go func() { errc <- f.store.LoadInitial(context.Background(), 5) }()
	require.Eventually(t, func() bool {
		f.fetcher.mu.Lock()
		defer f.fetcher.mu.Unlock()
		return len(f.fetcher.calls) == 1
	}, time.Second, time.Millisecond)

	f.store.Reset()
	close(f.fetcher.gate)

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Empty(t, f.store.Messages())
	assert.Zero(t, f.store.ConvID())
}

func TestLoadOlder(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(13, 2, 3000), hist(14, 2, 4000)}, Page: 1, PageSize: 2, Total: 4})
	f.fetcher.pages[2] = protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(11, 2, 1000), hist(12, 2, 2000)}, Page: 2, PageSize: 2, Total: 4}

	n, err := f.store.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{11, 12, 13, 14}, ids(f.store.Messages()))
	assert.False(t, f.store.Pagination().HasMore)

	n, err = f.store.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []int{1, 2}, f.fetcher.calls)
}

func TestLoadOlderWithoutConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestMergeIncomingOrdersLiveArrival(t *testing.T) {
	f := newFixture(t)
	tenOClock := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{
		hist(1, 2, tenOClock.UnixMilli()),
		hist(2, 2, tenOClock.Add(5*time.Minute).UnixMilli()),
	}, Page: 1, PageSize: 2, Total: 2})

	added := f.store.MergeIncoming([]DisplayMessage{live(99, tenOClock.Add(2*time.Minute).UnixMilli())}, Append)

	assert.Equal(t, 1, added)
	assert.Equal(t, []int64{1, 99, 2}, ids(f.store.Messages()))
}

func TestMergeIncomingDeduplicates(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(1, 2, 1000)}, Page: 1, PageSize: 2, Total: 1})

	batch := []DisplayMessage{live(1, 1000), live(2, 2000), live(2, 2000), {Content: "no id", SendTime: 1500}, live(3, 500)}
	assert.Equal(t, 2, f.store.MergeIncoming(batch, Append))
	first := f.store.Messages()
	assert.Equal(t, []int64{3, 1, 2}, ids(first))

	assert.Zero(t, f.store.MergeIncoming(batch, Append))
	assert.Equal(t, first, f.store.Messages())
	assertInvariants(t, first)
}

func TestMergeIncomingIgnoresOtherConversation(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})

	other := live(7, 100)
	other.ConvID = 9
	assert.Zero(t, f.store.MergeIncoming([]DisplayMessage{other}, Append))
}

func TestMergeIncomingRandomSequences(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})

	// Deterministic pseudo-random batches with overlapping ids and times.
	x := uint32(7)
	next := func(n uint32) int64 {
		x = x*1664525 + 1013904223
		return int64(x % n)
	}
	for round := 0; round < 50; round++ {
		var batch []DisplayMessage
		for i := 0; i < 5; i++ {
			id := next(30)
			batch = append(batch, live(id, 1000+next(10)*100))
		}
		pos := Append
		if round%3 == 0 {
			pos = Prepend
		}
		f.store.MergeIncoming(batch, pos)
		assertInvariants(t, f.store.Messages())
	}
}

func TestOptimisticConfirmationKeepsPosition(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(1, 2, 900_000)}, Page: 1, PageSize: 2, Total: 1})

	localID := f.store.AddOptimistic(DisplayMessage{Content: "hello"})
	assert.Equal(t, "local-1", localID)
	f.store.MergeIncoming([]DisplayMessage{live(3, 2_000_000)}, Append)

	list := f.store.Messages()
	require.Len(t, list, 3)
	opt := list[1]
	assert.Equal(t, StatusSending, opt.Status)
	assert.True(t, opt.IsSentByMe)
	assert.Equal(t, me, opt.SenderID)
	assert.Equal(t, int64(1_000_000), opt.SendTime)
	assert.Equal(t, "Me", opt.ResolvedSenderName)

	ok := f.store.ReconcileConfirmation(localID, DisplayMessage{MessageID: 2, ConvID: 5, SenderID: me, Content: "hello", SendTime: 1_000_050})
	require.True(t, ok)

	list = f.store.Messages()
	assert.Equal(t, []int64{1, 2, 3}, ids(list))
	assert.Equal(t, StatusSent, list[1].Status)
	assert.Equal(t, localID, list[1].LocalID)
	assert.Empty(t, f.store.Pending())
}

func TestStatusAckKeepsServerName(t *testing.T) {
	s := NewStore(&fakeFetcher{pages: map[int]protocol.HistoryPage{}}, names.NewResolver(nil, nil, nil), identity(0), bus.New(), nil, Options{})
	localID := s.AddOptimistic(DisplayMessage{ConvID: 5, Content: "hello"})

	require.True(t, s.ReconcileConfirmation(localID, DisplayMessage{MessageID: 10, ConvID: 5, SenderID: 9, Content: "hello", ServerName: "Alice"}))
	m, ok := s.Lookup(localID)
	require.True(t, ok)
	assert.Equal(t, "Alice", m.ResolvedSenderName)

	// A bare status ack carries no name.
	require.True(t, s.ReconcileConfirmation(localID, DisplayMessage{MessageID: 10, Status: StatusDelivered}))
	m, _ = s.Lookup(localID)
	assert.Equal(t, "Alice", m.ServerName)
	assert.Equal(t, "Alice", m.ResolvedSenderName)
	assert.Equal(t, StatusDelivered, m.Status)
	assert.Equal(t, "hello", m.Content)
}

func TestConfirmationAfterLiveEcho(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})

	localID := f.store.AddOptimistic(DisplayMessage{Content: "hi"})
	echo := live(50, 1_000_010)
	echo.SenderID = me
	f.store.MergeIncoming([]DisplayMessage{echo}, Append)
	require.Len(t, f.store.Messages(), 2)

	assert.True(t, f.store.ReconcileConfirmation(localID, DisplayMessage{MessageID: 50, SendTime: 1_000_010}))

	list := f.store.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, int64(50), list[0].MessageID)
	assert.Equal(t, localID, list[0].LocalID)
	assert.Empty(t, f.store.Pending())
}

func TestMergeIncomingConfirmsByLocalID(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})

	localID := f.store.AddOptimistic(DisplayMessage{Content: "hi"})
	sent := live(60, 1_000_020)
	sent.LocalID = localID
	assert.Equal(t, 1, f.store.MergeIncoming([]DisplayMessage{sent}, Append))

	list := f.store.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, int64(60), list[0].MessageID)
	assert.True(t, list[0].IsSentByMe)
}

func TestReconcileUnknownFallsBackToMerge(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})

	assert.False(t, f.store.ReconcileConfirmation("gone", live(70, 10)))
	assert.Equal(t, []int64{70}, ids(f.store.Messages()))
	assert.True(t, f.store.ReconcileConfirmation("gone", live(70, 10)), "merged entry now carries the LocalID")
	assert.Len(t, f.store.Messages(), 1)
}

func TestMarkFailedKeepsEntry(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})

	localID := f.store.AddOptimistic(DisplayMessage{Content: "x"})
	assert.True(t, f.store.MarkFailed(localID))

	list := f.store.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Empty(t, f.store.Pending())
	assert.False(t, f.store.MarkFailed("missing"))

	// A late confirmation still wins.
	assert.True(t, f.store.ReconcileConfirmation(localID, live(80, 1_000_000)))
	assert.Equal(t, StatusSent, f.store.Messages()[0].Status)
}

func TestUpdateStatusMonotonic(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(1, me, 1000)}, Page: 1, PageSize: 2, Total: 1})

	assert.True(t, f.store.UpdateStatus(1, StatusRead))
	assert.False(t, f.store.UpdateStatus(1, StatusDelivered))
	assert.False(t, f.store.UpdateStatus(1, StatusFailed))
	assert.False(t, f.store.UpdateStatus(404, StatusRead))
	assert.Equal(t, StatusRead, f.store.Messages()[0].Status)
}

func TestMarkRecalled(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(1, 2, 1000)}, Page: 1, PageSize: 2, Total: 1})
	f.drain()

	assert.True(t, f.store.MarkRecalled(1, 5000))
	assert.False(t, f.store.MarkRecalled(1, 6000))
	m := f.store.Messages()[0]
	assert.True(t, m.IsRecalled)
	assert.Equal(t, int64(5000), m.RecallTime)

	evts := f.drain()
	require.Len(t, evts, 2)
	assert.Equal(t, bus.KindMessageUpserted, evts[0].Kind)
	assert.True(t, evts[0].Payload.(DisplayMessage).IsRecalled)
}

func TestRefreshNames(t *testing.T) {
	f := newFixture(t)
	roster := friends{}
	f.store.names = names.NewResolver(nil, nil, roster)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(1, 9, 1000)}, Page: 1, PageSize: 2, Total: 1})
	assert.Equal(t, "server-9", f.store.Messages()[0].ResolvedSenderName)

	roster[9] = names.Friend{Nickname: "Nine"}
	f.store.RefreshNames()
	assert.Equal(t, "Nine", f.store.Messages()[0].ResolvedSenderName)
}

func TestPendingBookkeeping(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Page: 1, PageSize: 2})

	a := f.store.AddOptimistic(DisplayMessage{Content: "a"})
	f.clock.Advance(10 * time.Second)
	b := f.store.AddOptimistic(DisplayMessage{Content: "b"})

	due := f.store.PendingByAge(f.clock.Now(), 5*time.Second)
	require.Len(t, due, 1)
	assert.Equal(t, a, due[0].LocalID)

	assert.Equal(t, 2, f.store.RecordAttempt(a, f.clock.Now()))
	assert.Empty(t, f.store.PendingByAge(f.clock.Now(), 5*time.Second))
	assert.Zero(t, f.store.RecordAttempt("nope", f.clock.Now()))

	all := f.store.Pending()
	require.Len(t, all, 2)
	assert.Equal(t, []string{a, b}, []string{all[0].LocalID, all[1].LocalID})

	assert.Equal(t, a, f.store.AddOptimistic(DisplayMessage{LocalID: a}), "re-adding a LocalID is a no-op")
	assert.Len(t, f.store.Messages(), 2)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.load(t, protocol.HistoryPage{Messages: []protocol.HistoryMessage{hist(1, 2, 1000)}, Page: 1, PageSize: 2, Total: 3})
	f.store.AddOptimistic(DisplayMessage{Content: "x"})

	f.store.Reset()

	assert.Empty(t, f.store.Messages())
	assert.Empty(t, f.store.Pending())
	assert.Zero(t, f.store.ConvID())
	assert.Equal(t, Pagination{}, f.store.Pagination())
	assert.False(t, f.store.UpdateStatus(1, StatusRead))
}

func TestServerStatus(t *testing.T) {
	assert.Equal(t, StatusSent, serverStatus(1, 0))
	assert.Equal(t, StatusDelivered, serverStatus(1, 2))
	assert.Equal(t, StatusSent, serverStatus(1, 4))
	assert.Equal(t, StatusSending, serverStatus(0, 0))
	assert.Equal(t, StatusSent, serverStatus(0, 42))
}

func TestLoadInitialWrapsError(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("dial tcp: refused")
	err := f.store.LoadInitial(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load conversation 5")
	assert.Zero(t, f.store.ConvID())
}
