package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/realtime"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

// historyWindow is how many recent messages feed a suggestion request.
const historyWindow = 20

// Store is the part of the storage engine enrichment reads and writes.
type Store interface {
	Read(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error)
	SetSuggestions(ctx context.Context, conversationID string, suggestions []string) (string, error)
}

// WorkerConfig tunes the enrichment pool.
type WorkerConfig struct {
	// Workers caps concurrent jobs. Zero disables enrichment.
	Workers    int
	Timeout    time.Duration
	TargetLang string
}

// Worker runs translations and suggestions off the ingestion path. A job
// that cannot get a slot is skipped rather than queued.
type Worker struct {
	translator Translator
	suggester  Suggester
	store      Store
	publisher  realtime.Publisher
	cfg        WorkerConfig
	group      *errgroup.Group
	logger     *logger.Logger
}

// NewWorker creates an enrichment pool. Either collaborator may be nil.
func NewWorker(translator Translator, suggester Suggester, store Store, publisher realtime.Publisher, cfg WorkerConfig, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	group := new(errgroup.Group)
	if cfg.Workers > 0 {
		group.SetLimit(cfg.Workers)
	}
	return &Worker{
		translator: translator,
		suggester:  suggester,
		store:      store,
		publisher:  publisher,
		cfg:        cfg,
		group:      group,
		logger:     log.Named("enrich"),
	}
}

// Enabled reports whether any job can run.
func (w *Worker) Enabled() bool {
	return w != nil && w.cfg.Workers > 0 && (w.translator != nil || w.suggester != nil)
}

// Enqueue schedules enrichment of a freshly stored contact message. It
// reports whether the job was accepted.
func (w *Worker) Enqueue(msg model.NormalizedMessage, traceID string) bool {
	if !w.Enabled() || msg.Sender != model.SenderContact || msg.Text == "" {
		return false
	}
	ok := w.group.TryGo(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		w.run(ctx, msg, traceID)
		return nil
	})
	if !ok {
		metrics.EnrichmentTotal.WithLabelValues("job", "skipped").Inc()
		w.logger.Debug("enrichment pool full, job skipped",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
		)
	}
	return ok
}

// Wait blocks until every accepted job has finished.
func (w *Worker) Wait() {
	if w != nil {
		_ = w.group.Wait()
	}
}

func (w *Worker) run(ctx context.Context, msg model.NormalizedMessage, traceID string) {
	if w.translator != nil && w.cfg.TargetLang != "" {
		w.translate(ctx, msg, traceID)
	}
	if w.suggester != nil {
		w.suggest(ctx, msg.ConversationID, traceID)
	}
}

func (w *Worker) translate(ctx context.Context, msg model.NormalizedMessage, traceID string) {
	text, err := w.translator.Translate(ctx, msg.Text, w.cfg.TargetLang)
	if err != nil {
		w.fail("translation", msg.ConversationID, err)
		return
	}
	metrics.EnrichmentTotal.WithLabelValues("translation", "ok").Inc()
	w.publish(ctx, msg.ConversationID, model.Event{
		Type:    model.EventTypeTranslation,
		TraceID: traceID,
		Translation: &model.Translation{
			MessageID: msg.ID,
			Language:  w.cfg.TargetLang,
			Text:      text,
		},
	})
}

func (w *Worker) suggest(ctx context.Context, conversationID, traceID string) {
	history, err := w.store.Read(ctx, conversationID, historyWindow)
	if err != nil {
		w.fail("suggestions", conversationID, err)
		return
	}
	suggestions, err := w.suggester.Suggest(ctx, history)
	if err != nil {
		w.fail("suggestions", conversationID, err)
		return
	}
	if len(suggestions) == 0 {
		metrics.EnrichmentTotal.WithLabelValues("suggestions", "empty").Inc()
		return
	}
	if _, err := w.store.SetSuggestions(ctx, conversationID, suggestions); err != nil {
		w.fail("suggestions", conversationID, err)
		return
	}
	metrics.EnrichmentTotal.WithLabelValues("suggestions", "ok").Inc()
	w.publish(ctx, conversationID, model.Event{
		Type:        model.EventTypeSuggestions,
		TraceID:     traceID,
		Suggestions: suggestions,
	})
}

func (w *Worker) publish(ctx context.Context, conversationID string, ev model.Event) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(ctx, conversationID, ev); err != nil {
		w.logger.Warn("failed to publish enrichment event",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func (w *Worker) fail(kind, conversationID string, err error) {
	metrics.EnrichmentTotal.WithLabelValues(kind, "error").Inc()
	w.logger.Warn("enrichment failed",
		zap.String("kind", kind),
		zap.String("conversation_id", conversationID),
		zap.Error(err),
	)
}
