package auditlog

import (
	"sync"
	"time"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/curtisnewbie/shopbus/middleware/rabbit"
	"github.com/curtisnewbie/shopbus/miso"
	"github.com/curtisnewbie/shopbus/util/errs"
)

// Destination of audit records.
type Sink interface {
	Store(rail miso.Rail, r Record) error
}

/*
Subscribe to 'audit.log.*' and hand the normalized records to the sink.

The payload is redacted again before it's summarized, events published by older services may not be redacted.
Sink error nacks the event.
*/
func Listen(c *rabbit.Client, rail miso.Rail, salt string, sink Sink, opts ...rabbit.SubscribeOption) (*rabbit.Subscription, error) {
	if sink == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("sink is nil")
	}
	return NewPipeline(c).Listen(rail, PatternAll, func(rail miso.Rail, e Event) error {
		return sink.Store(rail, NewRecord(e, salt))
	}, opts...)
}

// Sink that writes records to the log.
type LogSink struct{}

func (LogSink) Store(rail miso.Rail, r Record) error {
	s, err := json.SWriteJson(r)
	if err != nil {
		return errs.WrapErrf(err, "failed to serialize audit record")
	}
	rail.Infof("Audit log: %s", s)
	return nil
}

// Sink that keeps the most recent records and counters in memory.
type MemSink struct {
	mu        sync.RWMutex
	cap       int
	records   []Record
	total     int
	failures  int
	byService map[string]int
	byStatus  map[int]int
	lastAt    time.Time
}

type Stats struct {
	Total     int
	Failures  int
	ByService map[string]int
	ByStatus  map[int]int
	LastAt    time.Time
}

// Create MemSink that keeps at most capacity records.
func NewMemSink(capacity int) *MemSink {
	if capacity < 1 {
		capacity = 1
	}
	return &MemSink{
		cap:       capacity,
		byService: map[string]int{},
		byStatus:  map[int]int{},
	}
}

func (m *MemSink) Store(rail miso.Rail, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) >= m.cap {
		m.records = append(m.records[:0], m.records[1:]...)
	}
	m.records = append(m.records, r)
	m.total++
	if r.Status == StatusFailure {
		m.failures++
	}
	m.byService[r.Service]++
	m.byStatus[r.StatusCode]++
	m.lastAt = r.Timestamp
	return nil
}

func (m *MemSink) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Total:     m.total,
		Failures:  m.failures,
		ByService: make(map[string]int, len(m.byService)),
		ByStatus:  make(map[int]int, len(m.byStatus)),
		LastAt:    m.lastAt,
	}
	for k, v := range m.byService {
		s.ByService[k] = v
	}
	for k, v := range m.byStatus {
		s.ByStatus[k] = v
	}
	return s
}

type Query struct {
	Service string
	Status  string
	Limit   int
}

// Most recent records first, filtered by the query.
func (m *MemSink) Recent(q Query) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Record{}
	for i := len(m.records) - 1; i > -1; i-- {
		r := m.records[i]
		if q.Service != "" && r.Service != q.Service {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Sinks that store the record in order, the first error is returned.
type MultiSink []Sink

func (ms MultiSink) Store(rail miso.Rail, r Record) error {
	for _, s := range ms {
		if err := s.Store(rail, r); err != nil {
			return err
		}
	}
	return nil
}
