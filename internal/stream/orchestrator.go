package stream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/chatstream/internal/chat"
	"github.com/suPer8Hu/chatstream/internal/usage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of one interaction. States only move forward.
type State int

const (
	StateGuarding State = iota
	StatePersistInbound
	StateEmitText
	StatePersistOutboundText
	StateEmitStructured
	StatePersistOutboundStructured
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateGuarding:
		return "guarding"
	case StatePersistInbound:
		return "persist_inbound"
	case StateEmitText:
		return "emit_text"
	case StatePersistOutboundText:
		return "persist_outbound_text"
	case StateEmitStructured:
		return "emit_structured"
	case StatePersistOutboundStructured:
		return "persist_outbound_structured"
	case StateEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Guard verifies session ownership. chat.Service implements it.
type Guard interface {
	VerifyOwner(ctx context.Context, sessionID string, userID uint64) (*chat.Session, error)
}

type Config struct {
	// ChunkDelay paces text chunks; PayloadDelay precedes the structured payload.
	ChunkDelay   time.Duration
	PayloadDelay time.Duration
	DefaultModel string
}

type Request struct {
	SessionID string
	UserID    uint64
	Prompt    string
}

type Orchestrator struct {
	guard   Guard
	gateway Gateway
	pool    *Pool
	pricer  usage.Pricer
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewOrchestrator(guard Guard, gateway Gateway, pool *Pool, pricer usage.Pricer, cfg Config, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	if pricer == nil {
		pricer = usage.DefaultRates()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		guard:   guard,
		gateway: gateway,
		pool:    pool,
		pricer:  pricer,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("github.com/suPer8Hu/chatstream/internal/stream"),
	}
}

// Stream is the consumer side of one interaction. Events is closed after the
// last event and after every persistence call of the interaction returned.
type Stream struct {
	Events <-chan Event
}

// Start runs the ownership guard synchronously. A guard failure is returned
// before any event exists, so the caller can answer with a plain HTTP error.
// On success the rest of the interaction runs in its own goroutine; cancelling
// ctx stops further events.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Stream, error) {
	sess, err := o.guard.VerifyOwner(ctx, req.SessionID, req.UserID)
	if err != nil {
		o.metrics.StreamsTotal.WithLabelValues(OutcomeRejected).Inc()
		return nil, err
	}

	model := sess.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}

	out := make(chan Event)
	go o.run(ctx, req, model, out)
	return &Stream{Events: out}, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, model string, out chan<- Event) {
	defer close(out)

	ctx, span := o.tracer.Start(ctx, "stream.interaction", trace.WithAttributes(
		attribute.String("chat.session_id", req.SessionID),
		attribute.Int64("chat.user_id", int64(req.UserID)),
		attribute.String("chat.model", model),
	))
	defer span.End()

	start := time.Now()
	o.metrics.ActiveStreams.Inc()
	outcome := OutcomeClientDisconnect
	defer func() {
		o.metrics.ActiveStreams.Dec()
		o.metrics.StreamDurationSeconds.Observe(time.Since(start).Seconds())
		o.metrics.StreamsTotal.WithLabelValues(outcome).Inc()
		if outcome == OutcomeClientDisconnect {
			o.metrics.ClientDisconnectsTotal.Inc()
			o.logger.Info("client disconnected mid-stream", "session_id", req.SessionID, "user_id", req.UserID)
		}
		span.SetAttributes(attribute.String("stream.outcome", outcome))
	}()

	log := o.logger.With("session_id", req.SessionID, "user_id", req.UserID)
	state := StateGuarding
	advance := func(next State) {
		log.Debug("stream state", "from", state.String(), "to", next.String())
		span.AddEvent(next.String())
		state = next
	}

	// 1) user message
	advance(StatePersistInbound)
	o.persist(ctx, log, "append_user_message", func(ctx context.Context) error {
		return o.gateway.AppendMessage(ctx, req.SessionID, req.UserID, chat.RoleUser, req.Prompt)
	})

	// 2) text chunks, one per word
	advance(StateEmitText)
	words := ReplyWords(req.Prompt)
	for i, w := range words {
		if i > 0 && !sleep(ctx, o.cfg.ChunkDelay) {
			return
		}
		if !o.emit(ctx, out, TextChunk{Content: " " + w}) {
			return
		}
	}
	reply := strings.Join(words, " ")

	// 3) full reply as a single assistant message
	advance(StatePersistOutboundText)
	o.persist(ctx, log, "append_assistant_text", func(ctx context.Context) error {
		return o.gateway.AppendMessage(ctx, req.SessionID, req.UserID, chat.RoleAssistant, reply)
	})

	// accounting happens once, now that prompt and reply are both known
	est := o.pricer.Estimate(req.Prompt, reply, model)

	// 4) structured payload
	advance(StateEmitStructured)
	payload := UsageChart(model, est)
	if !sleep(ctx, o.cfg.PayloadDelay) {
		return
	}
	if !o.emit(ctx, out, payload) {
		return
	}

	// 5) structured payload as text, then the usage record
	advance(StatePersistOutboundStructured)
	if body, err := Body(payload); err != nil {
		log.Error("encode structured payload", "error", err)
	} else {
		o.persist(ctx, log, "append_assistant_payload", func(ctx context.Context) error {
			return o.gateway.AppendMessage(ctx, req.SessionID, req.UserID, chat.RoleAssistant, string(body))
		})
	}
	o.persist(ctx, log, "append_usage", func(ctx context.Context) error {
		return o.gateway.AppendUsage(ctx, req.UserID, model, req.Prompt, est)
	})

	advance(StateEnd)
	if o.emit(ctx, out, EndOfStream{}) {
		outcome = OutcomeCompleted
	}
}

// persist runs fn on the pool and waits for it. Failures are logged and
// counted but never stop the stream. It reports whether fn succeeded.
func (o *Orchestrator) persist(ctx context.Context, log *slog.Logger, op string, fn func(ctx context.Context) error) bool {
	if ctx.Err() != nil {
		log.Debug("skipping persistence after cancellation", "op", op)
		return false
	}

	ctx, span := o.tracer.Start(ctx, "stream.persist", trace.WithAttributes(attribute.String("op", op)))
	defer span.End()

	if err := o.pool.Do(ctx, fn); err != nil {
		if ctx.Err() != nil {
			log.Debug("persistence not started, client gone", "op", op)
			return false
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.PersistFailuresTotal.WithLabelValues(op).Inc()
		log.Error("persistence failed, continuing stream", "op", op, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- Event, e Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- e:
		o.metrics.EventsTotal.WithLabelValues(e.Name()).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
