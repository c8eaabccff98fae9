package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/suPer8Hu/chatstream/internal/chat"
	"github.com/suPer8Hu/chatstream/internal/config"
	"github.com/suPer8Hu/chatstream/internal/email"
	"github.com/suPer8Hu/chatstream/internal/stream"
	"github.com/suPer8Hu/chatstream/internal/usage"
	"gorm.io/gorm"
)

// ResetTokenStore keeps single-use password reset tokens. redisstore.Store
// implements it.
type ResetTokenStore interface {
	SaveResetToken(ctx context.Context, token string, userID uint64, ttl time.Duration) error
	ConsumeResetToken(ctx context.Context, token string) (uint64, error)
}

// MailQueue hands mail to the worker. rabbitmq.Publisher implements it.
type MailQueue interface {
	PublishMail(ctx context.Context, m email.Message) error
}

type Options struct {
	Pricer  usage.Pricer
	Resets  ResetTokenStore
	Mail    MailQueue
	Pool    *stream.Pool
	Metrics *stream.Metrics
	Logger  *slog.Logger
}

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Resets   ResetTokenStore
	Mail     MailQueue
	ChatSvc  *chat.Service
	Usage    *usage.Repo
	Streamer *stream.Orchestrator
	Log      *slog.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool := opts.Pool
	if pool == nil {
		pool = stream.NewPool(cfg.PersistWorkers)
	}

	chatSvc := chat.NewService(chat.NewRepo(db), cfg.DefaultModel)
	orch := stream.NewOrchestrator(
		chatSvc,
		stream.NewGormGateway(db),
		pool,
		opts.Pricer,
		stream.Config{
			ChunkDelay:   cfg.StreamChunkDelay,
			PayloadDelay: cfg.StreamPayloadDelay,
			DefaultModel: cfg.DefaultModel,
		},
		opts.Metrics,
		logger,
	)

	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Resets:   opts.Resets,
		Mail:     opts.Mail,
		ChatSvc:  chatSvc,
		Usage:    usage.NewRepo(db),
		Streamer: orch,
		Log:      logger,
	}
}
