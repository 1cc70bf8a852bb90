package assistant

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/models"
)

// AnalysisEvent is one answered question, kept for tuning dictionaries,
// rules and the confidence weights.
type AnalysisEvent struct {
	RequestID     string            `json:"requestId"`
	Question      string            `json:"question"`
	Strategy      string            `json:"strategy"`
	Domains       []models.Domain   `json:"domains"`
	Entities      map[string]string `json:"entities"`
	Confidence    int               `json:"confidence"`
	MatchedRuleID *string           `json:"matchedRuleId"`
	RuleName      string            `json:"ruleName,omitempty"`
	Outcome       string            `json:"outcome"`
	Cached        bool              `json:"cached"`
	RowCount      int               `json:"rowCount"`
	ElapsedMs     int64             `json:"elapsedMs"`
	Timestamp     time.Time         `json:"@timestamp"`
}

func newAnalysisEvent(requestID string, a models.QueryAnalysis, resp *models.QueryResponse, outcome string, at time.Time) AnalysisEvent {
	return AnalysisEvent{
		RequestID:     requestID,
		Question:      a.Question,
		Strategy:      string(a.Strategy),
		Domains:       a.InvolvedDomains,
		Entities:      a.Entities.Values(),
		Confidence:    a.Confidence,
		MatchedRuleID: resp.MatchedRuleID,
		RuleName:      resp.RuleName,
		Outcome:       outcome,
		Cached:        resp.Cached,
		RowCount:      len(resp.Rows),
		ElapsedMs:     resp.ElapsedMs,
		Timestamp:     at.UTC(),
	}
}

// Recorder receives analysis events. Record must not block the request.
type Recorder interface {
	Record(event AnalysisEvent)
}

type NopRecorder struct{}

func (NopRecorder) Record(AnalysisEvent) {}

// Indexer stores a document; database.ElasticsearchClient satisfies it.
type Indexer interface {
	Index(ctx context.Context, index string, doc interface{}) error
}

// IndexRecorder ships events to a search index from a bounded buffer. When
// the buffer is full, events are dropped and counted.
type IndexRecorder struct {
	indexer Indexer
	index   string
	events  chan AnalysisEvent
	logger  logger.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewIndexRecorder(indexer Indexer, index string, buffer int, log logger.Logger) *IndexRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &IndexRecorder{
		indexer: indexer,
		index:   index,
		events:  make(chan AnalysisEvent, buffer),
		logger:  log.WithFields(map[string]interface{}{"component": "telemetry", "index": index}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *IndexRecorder) Record(event AnalysisEvent) {
	select {
	case r.events <- event:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("telemetry buffer full, dropping events", map[string]interface{}{
				"dropped": r.dropped.Load(),
			})
		}
	}
}

func (r *IndexRecorder) Dropped() int64 { return r.dropped.Load() }

func (r *IndexRecorder) run() {
	defer close(r.done)
	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.indexer.Index(ctx, r.index, event); err != nil {
			r.logger.Warn("failed to index analysis event", map[string]interface{}{
				"requestId": event.RequestID,
				"error":     err.Error(),
			})
		}
		cancel()
	}
}

// Close flushes buffered events and stops the shipper. Record must not be
// called after Close.
func (r *IndexRecorder) Close() {
	r.closeOnce.Do(func() { close(r.events) })
	<-r.done
}
