// Package audit records who changed what. Sinks are fire-and-forget: a
// failing sink never fails the operation being audited.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one audited change.
type Record struct {
	UserID string    `json:"user_id"`
	Action string    `json:"action"`
	Path   string    `json:"path"`
	Before any       `json:"before,omitempty"`
	After  any       `json:"after,omitempty"`
	At     time.Time `json:"at"`
}

// Sink accepts audit records.
type Sink interface {
	Record(ctx context.Context, r Record)
}

// ZapSink writes records to a dedicated logger.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Record(_ context.Context, r Record) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.logger.Info(r.Action,
		zap.String("user_id", r.UserID),
		zap.String("path", r.Path),
		zap.Any("before", r.Before),
		zap.Any("after", r.After),
		zap.Time("at", r.At),
	)
}

// Recorder keeps records in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (m *Recorder) Record(_ context.Context, r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

// Records returns a copy of everything recorded so far.
func (m *Recorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Nop discards records.
type Nop struct{}

func (Nop) Record(context.Context, Record) {}
