package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/chatstream/internal/chat"
	"github.com/suPer8Hu/chatstream/internal/usage"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&chat.Session{}, &chat.Message{}, &usage.Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fixture struct {
	db      *gorm.DB
	chatSvc *chat.Service
	orch    *Orchestrator
	metrics *Metrics
}

func newFixture(t *testing.T, wrap func(Gateway) Gateway, cfg Config) *fixture {
	t.Helper()
	db := openTestDB(t)
	chatSvc := chat.NewService(chat.NewRepo(db), "gpt-3.5")

	var gw Gateway = NewGormGateway(db)
	if wrap != nil {
		gw = wrap(gw)
	}
	pool := NewPool(2)
	t.Cleanup(pool.Close)

	metrics := NewMetrics(nil)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		db:      db,
		chatSvc: chatSvc,
		orch:    NewOrchestrator(chatSvc, gw, pool, usage.DefaultRates(), cfg, metrics, quiet),
		metrics: metrics,
	}
}

func (f *fixture) newSession(t *testing.T, userID uint64) *chat.Session {
	t.Helper()
	sess, err := f.chatSvc.CreateSession(context.Background(), userID, "gpt-3.5")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (f *fixture) messages(t *testing.T, sessionID string) []chat.Message {
	t.Helper()
	var msgs []chat.Message
	if err := f.db.Where("session_id = ?", sessionID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	return msgs
}

func (f *fixture) usageRows(t *testing.T) []usage.Record {
	t.Helper()
	var recs []usage.Record
	if err := f.db.Order("id ASC").Find(&recs).Error; err != nil {
		t.Fatalf("query usage: %v", err)
	}
	return recs
}

func collect(t *testing.T, st *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-st.Events:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events", len(events))
		}
	}
}

// checkSequence asserts [TextChunk x N, StructuredPayload, EndOfStream] and
// returns the chunks' words and the payload.
func checkSequence(t *testing.T, events []Event, wantWords []string) StructuredPayload {
	t.Helper()
	n := len(wantWords)
	if len(events) != n+2 {
		t.Fatalf("expected %d events, got %d", n+2, len(events))
	}
	for i := 0; i < n; i++ {
		tc, ok := events[i].(TextChunk)
		if !ok {
			t.Fatalf("event %d: expected TextChunk, got %T", i, events[i])
		}
		if tc.Content != " "+wantWords[i] {
			t.Fatalf("event %d: got %q want %q", i, tc.Content, " "+wantWords[i])
		}
	}
	payload, ok := events[n].(StructuredPayload)
	if !ok {
		t.Fatalf("event %d: expected StructuredPayload, got %T", n, events[n])
	}
	if _, ok := events[n+1].(EndOfStream); !ok {
		t.Fatalf("last event: expected EndOfStream, got %T", events[n+1])
	}
	return payload
}

func TestStream_HelloWorld(t *testing.T) {
	f := newFixture(t, nil, Config{DefaultModel: "gpt-3.5"})
	sess := f.newSession(t, 1)

	st, err := f.orch.Start(context.Background(), Request{SessionID: sess.SessionID, UserID: 1, Prompt: "hello world"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := collect(t, st)

	words := ReplyWords("hello world")
	payload := checkSequence(t, events, words)

	var chunks []string
	for _, e := range events[:len(words)] {
		chunks = append(chunks, strings.TrimLeft(e.(TextChunk).Content, " "))
	}
	reply := strings.Join(words, " ")
	if strings.Join(chunks, " ") != reply {
		t.Fatalf("chunks do not rebuild the reply: %q", strings.Join(chunks, " "))
	}

	n := float64(len(words))
	if payload.Kind != "bar" || len(payload.Data.Values) != 3 ||
		payload.Data.Values[0] != 2 || payload.Data.Values[1] != n || payload.Data.Values[2] != n+2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	msgs := f.messages(t, sess.SessionID)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[0].Content != "hello world" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != chat.RoleAssistant || msgs[1].Content != reply {
		t.Fatalf("unexpected assistant text: %+v", msgs[1])
	}
	body, _ := Body(payload)
	if msgs[2].Role != chat.RoleAssistant || msgs[2].Content != string(body) {
		t.Fatalf("unexpected assistant payload message: %q", msgs[2].Content)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Content), &decoded); err != nil || decoded["type"] != "chart" {
		t.Fatalf("persisted payload is not the chart body: %v %v", decoded, err)
	}

	recs := f.usageRows(t)
	if len(recs) != 1 {
		t.Fatalf("expected exactly one usage record, got %d", len(recs))
	}
	r := recs[0]
	if r.UserID != 1 || r.Model != "gpt-3.5" || r.UserQuery != "hello world" {
		t.Fatalf("unexpected usage record: %+v", r)
	}
	if r.PromptTokens != 2 || r.ResponseTokens != len(words) || r.TotalTokens != len(words)+2 {
		t.Fatalf("unexpected token counts: %+v", r)
	}
	if math.Abs(r.Cost-float64(len(words)+2)*0.005) > 1e-9 {
		t.Fatalf("unexpected cost %v", r.Cost)
	}
}

func TestStream_UsesSessionModelForAccounting(t *testing.T) {
	f := newFixture(t, nil, Config{DefaultModel: "gpt-3.5"})
	sess, err := f.chatSvc.CreateSession(context.Background(), 1, "unreleased-model")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	st, err := f.orch.Start(context.Background(), Request{SessionID: sess.SessionID, UserID: 1, Prompt: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	collect(t, st)

	recs := f.usageRows(t)
	if len(recs) != 1 || recs[0].Model != "unreleased-model" || recs[0].Cost != 0 {
		t.Fatalf("unknown model must be recorded at zero cost: %+v", recs)
	}
}

func TestStream_ForeignSessionRejectedBeforeStreaming(t *testing.T) {
	f := newFixture(t, nil, Config{})
	sess := f.newSession(t, 1)

	for _, req := range []Request{
		{SessionID: sess.SessionID, UserID: 2, Prompt: "hi"},
		{SessionID: "01NOSUCHSESSION00000000000", UserID: 1, Prompt: "hi"},
	} {
		st, err := f.orch.Start(context.Background(), req)
		if !errors.Is(err, chat.ErrNotFoundOrForbidden) {
			t.Fatalf("expected ErrNotFoundOrForbidden, got %v", err)
		}
		if st != nil {
			t.Fatalf("no stream may be opened on guard failure")
		}
	}

	if msgs := f.messages(t, sess.SessionID); len(msgs) != 0 {
		t.Fatalf("expected zero messages, got %d", len(msgs))
	}
	if recs := f.usageRows(t); len(recs) != 0 {
		t.Fatalf("expected zero usage rows, got %d", len(recs))
	}
}

type usageOutage struct {
	Gateway
}

func (usageOutage) AppendUsage(context.Context, uint64, string, string, usage.Estimate) error {
	return fmt.Errorf("%w: connection refused", ErrPersistence)
}

func TestStream_UsageOutageStillCompletes(t *testing.T) {
	f := newFixture(t, func(g Gateway) Gateway { return usageOutage{g} }, Config{})
	sess := f.newSession(t, 1)

	st, err := f.orch.Start(context.Background(), Request{SessionID: sess.SessionID, UserID: 1, Prompt: "hello world"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	checkSequence(t, collect(t, st), ReplyWords("hello world"))

	if recs := f.usageRows(t); len(recs) != 0 {
		t.Fatalf("expected no usage rows, got %d", len(recs))
	}
	if msgs := f.messages(t, sess.SessionID); len(msgs) != 3 {
		t.Fatalf("message rows must survive the usage outage, got %d", len(msgs))
	}
}

type storeOutage struct{}

func (storeOutage) AppendMessage(context.Context, string, uint64, string, string) error {
	return ErrPersistence
}

func (storeOutage) AppendUsage(context.Context, uint64, string, string, usage.Estimate) error {
	return ErrPersistence
}

func TestStream_TotalStoreOutageStillEndsStream(t *testing.T) {
	f := newFixture(t, func(Gateway) Gateway { return storeOutage{} }, Config{})
	sess := f.newSession(t, 1)

	st, err := f.orch.Start(context.Background(), Request{SessionID: sess.SessionID, UserID: 1, Prompt: "a b c"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	checkSequence(t, collect(t, st), ReplyWords("a b c"))
}

type recordingGateway struct {
	Gateway
	mu    sync.Mutex
	calls []string
}

func (g *recordingGateway) AppendMessage(ctx context.Context, sessionID string, userID uint64, role, content string) error {
	g.mu.Lock()
	g.calls = append(g.calls, "message:"+role)
	g.mu.Unlock()
	return g.Gateway.AppendMessage(ctx, sessionID, userID, role, content)
}

func (g *recordingGateway) AppendUsage(ctx context.Context, userID uint64, model, query string, est usage.Estimate) error {
	g.mu.Lock()
	g.calls = append(g.calls, "usage")
	g.mu.Unlock()
	return g.Gateway.AppendUsage(ctx, userID, model, query, est)
}

func (g *recordingGateway) snapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func TestStream_ClientDisconnectStopsEventsAndWrites(t *testing.T) {
	var rec *recordingGateway
	f := newFixture(t, func(g Gateway) Gateway {
		rec = &recordingGateway{Gateway: g}
		return rec
	}, Config{ChunkDelay: 20 * time.Millisecond})
	sess := f.newSession(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := f.orch.Start(ctx, Request{SessionID: sess.SessionID, UserID: 1, Prompt: "please stop early"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, ok := (<-st.Events).(TextChunk); !ok {
			t.Fatalf("expected a text chunk before disconnecting")
		}
	}
	cancel()

	for e := range st.Events {
		if _, ok := e.(EndOfStream); ok {
			t.Fatalf("no end_stream may be produced after disconnect")
		}
	}

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0] != "message:user" {
		t.Fatalf("expected only the inbound write, got %v", calls)
	}
	if recs := f.usageRows(t); len(recs) != 0 {
		t.Fatalf("expected no usage rows after disconnect, got %d", len(recs))
	}
}

type blockingGateway struct {
	Gateway
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGateway) AppendMessage(ctx context.Context, sessionID string, userID uint64, role, content string) error {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.Gateway.AppendMessage(ctx, sessionID, userID, role, content)
}

func TestStream_InFlightWriteCompletesAfterDisconnect(t *testing.T) {
	var gw *blockingGateway
	f := newFixture(t, func(g Gateway) Gateway {
		gw = &blockingGateway{Gateway: g, started: make(chan struct{}), release: make(chan struct{})}
		return gw
	}, Config{})
	sess := f.newSession(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := f.orch.Start(ctx, Request{SessionID: sess.SessionID, UserID: 1, Prompt: "hold on"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	<-gw.started
	cancel()
	close(gw.release)

	if events := collect(t, st); len(events) != 0 {
		t.Fatalf("expected no events after disconnect during inbound write, got %d", len(events))
	}

	msgs := f.messages(t, sess.SessionID)
	if len(msgs) != 1 || msgs[0].Role != chat.RoleUser || msgs[0].Content != "hold on" {
		t.Fatalf("in-flight user message must be written intact, got %+v", msgs)
	}
}

func TestStream_PersistOrderMatchesEmission(t *testing.T) {
	var rec *recordingGateway
	f := newFixture(t, func(g Gateway) Gateway {
		rec = &recordingGateway{Gateway: g}
		return rec
	}, Config{})
	sess := f.newSession(t, 1)

	for i := 0; i < 2; i++ {
		st, err := f.orch.Start(context.Background(), Request{SessionID: sess.SessionID, UserID: 1, Prompt: fmt.Sprintf("turn %d", i)})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		collect(t, st)
	}

	want := []string{"message:user", "message:assistant", "message:assistant", "usage"}
	calls := rec.snapshot()
	if len(calls) != 2*len(want) {
		t.Fatalf("unexpected calls: %v", calls)
	}
	for i, c := range calls {
		if c != want[i%len(want)] {
			t.Fatalf("call %d: got %q want %q (all: %v)", i, c, want[i%len(want)], calls)
		}
	}

	msgs := f.messages(t, sess.SessionID)
	if len(msgs) != 6 || msgs[3].Content != "turn 1" || msgs[3].Role != chat.RoleUser {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestGormGateway_AppendMessageNeedsSession(t *testing.T) {
	f := newFixture(t, nil, Config{})
	gw := NewGormGateway(f.db)

	err := gw.AppendMessage(context.Background(), "01NOSUCHSESSION00000000000", 1, chat.RoleUser, "hi")
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, ErrSessionGone) {
		t.Fatalf("expected wrapped ErrSessionGone, got %v", err)
	}
	if msgs := f.messages(t, "01NOSUCHSESSION00000000000"); len(msgs) != 0 {
		t.Fatalf("expected no rows, got %d", len(msgs))
	}
}

func TestStream_SessionDeletedMidStream(t *testing.T) {
	f := newFixture(t, nil, Config{ChunkDelay: 20 * time.Millisecond})
	sess := f.newSession(t, 1)

	st, err := f.orch.Start(context.Background(), Request{SessionID: sess.SessionID, UserID: 1, Prompt: "hello world"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := (<-st.Events).(TextChunk); !ok {
		t.Fatalf("expected a text chunk first")
	}
	if err := f.chatSvc.DeleteSession(context.Background(), 1, sess.SessionID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	rest := collect(t, st)
	if len(rest) == 0 {
		t.Fatalf("stream must keep going after the session is deleted")
	}
	if _, ok := rest[len(rest)-1].(EndOfStream); !ok {
		t.Fatalf("last event: expected EndOfStream, got %T", rest[len(rest)-1])
	}

	if msgs := f.messages(t, sess.SessionID); len(msgs) != 0 {
		t.Fatalf("expected no messages for a deleted session, got %+v", msgs)
	}
	var sessions int64
	if err := f.db.Model(&chat.Session{}).Where("session_id = ?", sess.SessionID).Count(&sessions).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if sessions != 0 {
		t.Fatalf("session row came back: %d", sessions)
	}
}

func TestStream_DisconnectDuringPayloadDelay(t *testing.T) {
	const chunkDelay = 10 * time.Millisecond
	var rec *recordingGateway
	f := newFixture(t, func(g Gateway) Gateway {
		rec = &recordingGateway{Gateway: g}
		return rec
	}, Config{ChunkDelay: chunkDelay, PayloadDelay: 5 * time.Second})
	sess := f.newSession(t, 1)

	words := ReplyWords("slow chart")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := f.orch.Start(ctx, Request{SessionID: sess.SessionID, UserID: 1, Prompt: "slow chart"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var first time.Time
	for i := range words {
		if _, ok := (<-st.Events).(TextChunk); !ok {
			t.Fatalf("event %d: expected a text chunk", i)
		}
		if i == 0 {
			first = time.Now()
		}
	}
	if elapsed, want := time.Since(first), time.Duration(len(words)-1)*chunkDelay; elapsed < want {
		t.Fatalf("chunks were not paced: %v for %d chunks", elapsed, len(words))
	}

	// the assistant text is written before the payload delay starts
	deadline := time.Now().Add(5 * time.Second)
	for len(rec.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("assistant text was never written: %v", rec.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancelled := time.Now()
	cancel()

	for e := range st.Events {
		t.Fatalf("no event may follow a disconnect, got %T", e)
	}
	if waited := time.Since(cancelled); waited > 2*time.Second {
		t.Fatalf("payload delay ignored the disconnect, stream closed after %v", waited)
	}

	calls := rec.snapshot()
	if len(calls) != 2 || calls[0] != "message:user" || calls[1] != "message:assistant" {
		t.Fatalf("expected only user and assistant text writes, got %v", calls)
	}
	if msgs := f.messages(t, sess.SessionID); len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if recs := f.usageRows(t); len(recs) != 0 {
		t.Fatalf("expected no usage rows, got %d", len(recs))
	}
}
