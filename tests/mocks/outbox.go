package mocks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	outboxDomain "github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

// InMemoryOutboxRepo simula OutboxRepository y RoutingRepository con las
// mismas transiciones condicionales que el almacén SQL.
type InMemoryOutboxRepo struct {
	mu     sync.Mutex
	Events map[uuid.UUID]*outboxDomain.OutboxEvent
	Routes map[string]outboxDomain.RoutingConfig
	// Fetches cuenta las consultas de pendientes por tipo incluido.
	Fetches []outboxDomain.PendingQuery
}

func NewInMemoryOutboxRepo() *InMemoryOutboxRepo {
	return &InMemoryOutboxRepo{
		Events: make(map[uuid.UUID]*outboxDomain.OutboxEvent),
		Routes: make(map[string]outboxDomain.RoutingConfig),
	}
}

var (
	_ outboxDomain.OutboxRepository  = (*InMemoryOutboxRepo)(nil)
	_ outboxDomain.RoutingRepository = (*InMemoryOutboxRepo)(nil)
)

func copyEvent(e *outboxDomain.OutboxEvent) *outboxDomain.OutboxEvent {
	out := *e
	out.Payload = e.Payload.Clone()
	return &out
}

func (r *InMemoryOutboxRepo) Insert(ctx context.Context, evt *outboxDomain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Events[evt.ID]; ok {
		return errors.New("duplicate event id")
	}
	r.Events[evt.ID] = copyEvent(evt)
	return nil
}

// InsertTx guarda al confirmar la transacción.
func (r *InMemoryOutboxRepo) InsertTx(ctx context.Context, tx *persistence.Tx, evt *outboxDomain.OutboxEvent) error {
	cp := copyEvent(evt)
	tx.AfterCommit(func() { _ = r.Insert(context.Background(), cp) })
	return nil
}

func (r *InMemoryOutboxRepo) Get(ctx context.Context, id uuid.UUID) (*outboxDomain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Events[id]
	if !ok {
		return nil, outboxDomain.ErrEventNotFound
	}
	return copyEvent(e), nil
}

func (r *InMemoryOutboxRepo) sorted() []*outboxDomain.OutboxEvent {
	out := make([]*outboxDomain.OutboxEvent, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *InMemoryOutboxRepo) List(ctx context.Context, f outboxDomain.EventFilter) ([]*outboxDomain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*outboxDomain.OutboxEvent
	for _, e := range r.sorted() {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		out = append(out, copyEvent(e))
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *InMemoryOutboxRepo) FetchPending(ctx context.Context, q outboxDomain.PendingQuery) ([]*outboxDomain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fetches = append(r.Fetches, q)
	var out []*outboxDomain.OutboxEvent
	for _, e := range r.sorted() {
		if !e.Due(q.Now) {
			continue
		}
		if len(q.EventTypes) > 0 && !contains(q.EventTypes, e.EventType) {
			continue
		}
		if contains(q.ExcludeTypes, e.EventType) {
			continue
		}
		if q.CreatedBefore != nil && !e.CreatedAt.Before(*q.CreatedBefore) {
			continue
		}
		out = append(out, copyEvent(e))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// transition aplica fn si la fila está en expected.
func (r *InMemoryOutboxRepo) transition(id uuid.UUID, expected outboxDomain.Status, fn func(e *outboxDomain.OutboxEvent)) (*outboxDomain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Events[id]
	if !ok {
		return nil, outboxDomain.ErrEventNotFound
	}
	if e.Status != expected {
		return nil, outboxDomain.ErrStatusConflict
	}
	fn(e)
	return copyEvent(e), nil
}

func (r *InMemoryOutboxRepo) MarkProcessing(ctx context.Context, id uuid.UUID, now time.Time) (*outboxDomain.OutboxEvent, error) {
	return r.transition(id, outboxDomain.StatusPending, func(e *outboxDomain.OutboxEvent) {
		e.Status = outboxDomain.StatusProcessing
		e.UpdatedAt = now
	})
}

func (r *InMemoryOutboxRepo) MarkPublished(ctx context.Context, id uuid.UUID, via outboxDomain.DeliveryPath, now time.Time) error {
	_, err := r.transition(id, outboxDomain.StatusProcessing, func(e *outboxDomain.OutboxEvent) {
		e.Status = outboxDomain.StatusPublished
		e.PublishedAt = &now
		e.PublishedVia = via
		e.UpdatedAt = now
	})
	return err
}

func (r *InMemoryOutboxRepo) RecordFailure(ctx context.Context, id uuid.UUID, next outboxDomain.Status, retryCount int, lastError string, nextAttemptAt, now time.Time) error {
	_, err := r.transition(id, outboxDomain.StatusProcessing, func(e *outboxDomain.OutboxEvent) {
		e.Status = next
		e.RetryCount = retryCount
		e.LastError = lastError
		e.NextAttemptAt = nextAttemptAt
		e.UpdatedAt = now
	})
	return err
}

func (r *InMemoryOutboxRepo) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.transition(id, outboxDomain.StatusFailed, func(e *outboxDomain.OutboxEvent) {
		e.Status = outboxDomain.StatusPending
		e.RetryCount = 0
		e.LastError = ""
		e.NextAttemptAt = now
		e.UpdatedAt = now
	})
	return err
}

func (r *InMemoryOutboxRepo) RequeueAllFailed(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.Events {
		if e.Status == outboxDomain.StatusFailed {
			e.Status = outboxDomain.StatusPending
			e.RetryCount = 0
			e.LastError = ""
			e.NextAttemptAt = now
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *InMemoryOutboxRepo) FindStuck(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for _, e := range r.sorted() {
		if e.Status == outboxDomain.StatusProcessing && e.UpdatedAt.Before(olderThan) {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (r *InMemoryOutboxRepo) ResetStuck(ctx context.Context, ids []uuid.UUID, olderThan, now time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reset []uuid.UUID
	for _, id := range ids {
		e, ok := r.Events[id]
		if ok && e.Status == outboxDomain.StatusProcessing && e.UpdatedAt.Before(olderThan) {
			e.Status = outboxDomain.StatusPending
			e.UpdatedAt = now
			reset = append(reset, id)
		}
	}
	return reset, nil
}

func (r *InMemoryOutboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.Events {
		if e.Status == outboxDomain.StatusPublished && e.PublishedAt != nil && e.PublishedAt.Before(cutoff) {
			delete(r.Events, id)
			n++
		}
	}
	return n, nil
}

// ------------------ Rutas ------------------

func (r *InMemoryOutboxRepo) ListRoutes(ctx context.Context) ([]outboxDomain.RoutingConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]outboxDomain.RoutingConfig, 0, len(r.Routes))
	for _, cfg := range r.Routes {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out, nil
}

func (r *InMemoryOutboxRepo) GetRoute(ctx context.Context, eventType string) (outboxDomain.RoutingConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.Routes[eventType]
	if !ok {
		return outboxDomain.RoutingConfig{}, outboxDomain.ErrRoutingNotFound
	}
	return cfg, nil
}

func (r *InMemoryOutboxRepo) UpsertRoute(ctx context.Context, cfg outboxDomain.RoutingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Routes[cfg.EventType] = cfg
	return nil
}

// ------------------ Ledger ------------------

// InMemoryLedger es el ledger de deduplicación en un mapa. ReleaseErr, si
// no es nil, hace fallar cada Release sin borrar la reclamación.
type InMemoryLedger struct {
	mu         sync.Mutex
	claims     map[string]outboxDomain.ProcessedEvent
	ReleaseErr error
}

var _ outboxDomain.Ledger = (*InMemoryLedger)(nil)

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{claims: make(map[string]outboxDomain.ProcessedEvent)}
}

func ledgerKey(id uuid.UUID, group string) string { return group + "/" + id.String() }

func (l *InMemoryLedger) Claim(ctx context.Context, p outboxDomain.ProcessedEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(p.EventID, p.ConsumerGroup)
	if existing, ok := l.claims[key]; ok && !existing.Expired(p.ProcessedAt) {
		return false, nil
	}
	l.claims[key] = p
	return true, nil
}

func (l *InMemoryLedger) Lookup(ctx context.Context, id uuid.UUID, group string) (*outboxDomain.ProcessedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.claims[ledgerKey(id, group)]
	if !ok {
		return nil, nil
	}
	p.Metadata = p.Metadata.Clone()
	return &p, nil
}

func (l *InMemoryLedger) Confirm(ctx context.Context, id uuid.UUID, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(id, group)
	p, ok := l.claims[key]
	if !ok {
		return outboxDomain.ErrClaimNotFound
	}
	p.Metadata = p.Metadata.Clone()
	p.MarkSent()
	l.claims[key] = p
	return nil
}

func (l *InMemoryLedger) Release(ctx context.Context, id uuid.UUID, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReleaseErr != nil {
		return l.ReleaseErr
	}
	delete(l.claims, ledgerKey(id, group))
	return nil
}

func (l *InMemoryLedger) SetReleaseErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReleaseErr = err
}

func (l *InMemoryLedger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, p := range l.claims {
		if p.Expired(now) {
			delete(l.claims, k)
			n++
		}
	}
	return n, nil
}

// Holds indica si hay una reclamación (caducada o no) para el par.
func (l *InMemoryLedger) Holds(id uuid.UUID, group string) (outboxDomain.ProcessedEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.claims[ledgerKey(id, group)]
	return p, ok
}

// ------------------ Bus ------------------

// ScriptedBus registra los mensajes publicados y falla mientras FailWith
// tenga un error. Gate, si no es nil, bloquea cada Publish hasta recibir.
type ScriptedBus struct {
	mu       sync.Mutex
	Messages []sharedBus.Message
	FailWith error
	Gate     chan struct{}
	Calls    int
}

var _ sharedBus.Publisher = (*ScriptedBus)(nil)

func (b *ScriptedBus) Publish(ctx context.Context, msg sharedBus.Message) error {
	b.mu.Lock()
	b.Calls++
	gate, failure := b.Gate, b.FailWith
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failure != nil {
		return failure
	}
	b.mu.Lock()
	b.Messages = append(b.Messages, msg)
	b.mu.Unlock()
	return nil
}

func (b *ScriptedBus) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Calls
}

func (b *ScriptedBus) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailWith = err
}

func (b *ScriptedBus) Published() []sharedBus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sharedBus.Message(nil), b.Messages...)
}

// ------------------ Analítica ------------------

// RecordingRecorder guarda los registros de entrega.
type RecordingRecorder struct {
	mu      sync.Mutex
	Records []outboxDomain.DeliveryRecord
}

func (r *RecordingRecorder) Record(ctx context.Context, rec outboxDomain.DeliveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, rec)
}

func (r *RecordingRecorder) Outcomes() []outboxDomain.DeliveryOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]outboxDomain.DeliveryOutcome, 0, len(r.Records))
	for _, rec := range r.Records {
		out = append(out, rec.Outcome)
	}
	return out
}

// RecordingLog es un DeliveryLog que guarda los lotes.
type RecordingLog struct {
	mu      sync.Mutex
	Batches [][]outboxDomain.DeliveryRecord
}

func (l *RecordingLog) LogBatch(ctx context.Context, records []outboxDomain.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Batches = append(l.Batches, append([]outboxDomain.DeliveryRecord(nil), records...))
	return nil
}

func (l *RecordingLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, b := range l.Batches {
		n += len(b)
	}
	return n
}
