package xsbus

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// SagaData is the persisted state of a long-running conversation. Concrete
// types embed SagaDataBase and add their domain fields.
type SagaData interface {
	SagaID() uuid.UUID
	SagaRevision() int64
	// BindSaga assigns a fresh identity with revision 0.
	BindSaga(id uuid.UUID)
	// BumpRevision increments the revision ahead of an optimistic update.
	BumpRevision()
}

// SagaDataBase carries the identity and revision every saga data type needs.
type SagaDataBase struct {
	ID       uuid.UUID `json:"id"`
	Revision int64     `json:"revision"`
}

func (b *SagaDataBase) SagaID() uuid.UUID   { return b.ID }
func (b *SagaDataBase) SagaRevision() int64 { return b.Revision }
func (b *SagaDataBase) BindSaga(id uuid.UUID) {
	b.ID = id
	b.Revision = 0
}
func (b *SagaDataBase) BumpRevision() { b.Revision++ }

// CorrelationProperty names the saga data property a message correlates on
// and extracts the value from an incoming message. Values are compared as
// strings; persistence enforces their uniqueness per (data type, property).
type CorrelationProperty struct {
	Property string
	Extract  func(msg any) (string, bool)
}

// CorrelationValue is one persisted (property, value) pair of a saga.
type CorrelationValue struct {
	Property string
	Value    string
}

// SagaHandler is a handler whose invocations are mediated by the saga
// engine: lookup by correlation, exclusive access, optimistic persistence.
type SagaHandler interface {
	// SagaDataType is the storage key of the saga data type.
	SagaDataType() string
	// NewSagaData returns a fresh, unbound saga data instance.
	NewSagaData() SagaData
	// InitiatedBy reports whether a message of typeName may start a new saga.
	InitiatedBy(typeName string) bool
	// Correlation returns how messages of typeName locate the saga.
	Correlation(typeName string) (CorrelationProperty, bool)
	// HandleSaga processes the message against the loaded (or fresh) data.
	HandleSaga(ctx context.Context, data SagaData, msg any) error
}

// SagaStorage persists saga data keyed by correlation property values. It
// must enforce correlation-value uniqueness per (data type, property).
type SagaStorage interface {
	// Find returns the saga data matching the correlation value, or
	// (nil, nil) when no instance matches.
	Find(ctx context.Context, sagaDataType, property, value string) (SagaData, error)
	// Insert stores a new instance at revision 0. Returns
	// ErrSagaCorrelationConflict when a correlation value is taken.
	Insert(ctx context.Context, sagaDataType string, data SagaData, correlations []CorrelationValue) error
	// Update persists data where the stored revision still equals
	// loadedRevision; otherwise it returns ErrSagaConcurrency.
	Update(ctx context.Context, sagaDataType string, data SagaData, loadedRevision int64, correlations []CorrelationValue) error
	// Delete removes a completed saga.
	Delete(ctx context.Context, sagaDataType string, data SagaData) error
}

// SagaSnapshotStorage optionally records an immutable copy of the saga data
// after each persist, keyed by (id, revision).
type SagaSnapshotStorage interface {
	Save(ctx context.Context, sagaDataType string, data SagaData, metadata map[string]string) error
}

// SagaDefinition is the builder-style SagaHandler used with the builtin
// activator.
type SagaDefinition struct {
	dataType     string
	newData      func() SagaData
	correlations map[string]CorrelationProperty
	initiators   map[string]bool
	handle       func(ctx context.Context, data SagaData, msg any) error
}

// NewSaga starts a saga definition for the given data type.
func NewSaga(dataType string, newData func() SagaData) *SagaDefinition {
	return &SagaDefinition{
		dataType:     dataType,
		newData:      newData,
		correlations: make(map[string]CorrelationProperty),
		initiators:   make(map[string]bool),
	}
}

// CorrelateWith declares that messages of msgType locate the saga through
// property, extracting the value with extract. Chainable.
func (d *SagaDefinition) CorrelateWith(msgType, property string, extract func(msg any) (string, bool)) *SagaDefinition {
	d.correlations[msgType] = CorrelationProperty{Property: property, Extract: extract}
	return d
}

// StartedBy marks msgType as an initiator: when no saga matches, a fresh one
// is created instead of skipping the handler. Chainable.
func (d *SagaDefinition) StartedBy(msgType string) *SagaDefinition {
	d.initiators[msgType] = true
	return d
}

// OnMessage sets the handler body. Chainable.
func (d *SagaDefinition) OnMessage(fn func(ctx context.Context, data SagaData, msg any) error) *SagaDefinition {
	d.handle = fn
	return d
}

func (d *SagaDefinition) SagaDataType() string             { return d.dataType }
func (d *SagaDefinition) NewSagaData() SagaData            { return d.newData() }
func (d *SagaDefinition) InitiatedBy(typeName string) bool { return d.initiators[typeName] }
func (d *SagaDefinition) Correlation(typeName string) (CorrelationProperty, bool) {
	c, ok := d.correlations[typeName]
	return c, ok
}
func (d *SagaDefinition) HandleSaga(ctx context.Context, data SagaData, msg any) error {
	if d.handle == nil {
		return fmt.Errorf("xsbus: saga %q has no message handler", d.dataType)
	}
	return d.handle(ctx, data, msg)
}

// Handle satisfies Handler so a SagaDefinition registers with the activator
// like any other handler; the dispatcher routes it through the saga engine
// and never calls this directly.
func (d *SagaDefinition) Handle(ctx context.Context, msg any) error {
	return fmt.Errorf("xsbus: saga handler %q invoked outside the saga engine", d.dataType)
}

// sagaInvocation pairs a saga handler with the resolution-chain type name it
// matched on.
type sagaInvocation struct {
	handler     SagaHandler
	matchedType string
}

// SagaEngine mediates saga handler invocations: correlation lookup,
// exclusive access across correlation buckets, optimistic persistence and
// snapshotting.
type SagaEngine struct {
	storage   SagaStorage
	snapshots SagaSnapshotStorage
	lock      ExclusiveLock
	logger    *xlog.Logger
	clock     xclock.Clock
	observe   func(Event)
}

// NewSagaEngine wires the engine. snapshots may be nil.
func NewSagaEngine(storage SagaStorage, snapshots SagaSnapshotStorage, lock ExclusiveLock, logger *xlog.Logger, clock xclock.Clock) *SagaEngine {
	return &SagaEngine{
		storage:   storage,
		snapshots: snapshots,
		lock:      lock,
		logger:    logger,
		clock:     clock,
	}
}

type sagaPlan struct {
	inv   sagaInvocation
	corr  *CorrelationProperty
	value string
}

// Process runs every saga handler resolved for the message under the
// exclusive-access lock set.
func (e *SagaEngine) Process(ctx context.Context, invocations []sagaInvocation, msg any, mc *MessageContext) error {
	plans := make([]sagaPlan, 0, len(invocations))
	for _, inv := range invocations {
		plan := sagaPlan{inv: inv}
		if corr, ok := inv.handler.Correlation(inv.matchedType); ok {
			value, ok := corr.Extract(msg)
			if !ok {
				return fmt.Errorf("xsbus: saga %q: no correlation value on message %q", inv.handler.SagaDataType(), inv.matchedType)
			}
			plan.corr = &corr
			plan.value = value
		} else if !inv.handler.InitiatedBy(inv.matchedType) {
			return fmt.Errorf("xsbus: saga %q: message %q is neither correlated nor an initiator", inv.handler.SagaDataType(), inv.matchedType)
		}
		plans = append(plans, plan)
	}

	// The lock set is deduplicated and sorted ascending so that concurrent
	// workers always acquire buckets in the same order.
	buckets := e.lockSet(plans)
	held := make([]int, 0, len(buckets))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			e.lock.Release(held[i])
		}
	}()
	for _, b := range buckets {
		if !e.lock.Acquire(ctx, b) {
			return ctx.Err()
		}
		held = append(held, b)
	}

	for _, plan := range plans {
		if err := e.processOne(ctx, plan, msg, mc); err != nil {
			return err
		}
	}
	return nil
}

func (e *SagaEngine) lockSet(plans []sagaPlan) []int {
	seen := make(map[int]bool)
	var buckets []int
	for _, p := range plans {
		if p.corr == nil {
			continue
		}
		lockID := p.inv.handler.SagaDataType() + ":" + p.corr.Property + ":" + p.value
		b := LockBucket(lockID, e.lock.Buckets())
		if !seen[b] {
			seen[b] = true
			buckets = append(buckets, b)
		}
	}
	sort.Ints(buckets)
	return buckets
}

func (e *SagaEngine) processOne(ctx context.Context, plan sagaPlan, msg any, mc *MessageContext) error {
	handler := plan.inv.handler
	dataType := handler.SagaDataType()

	var data SagaData
	if plan.corr != nil {
		found, err := e.storage.Find(ctx, dataType, plan.corr.Property, plan.value)
		if err != nil {
			return err
		}
		data = found
	}

	isNew := false
	if data == nil {
		if !handler.InitiatedBy(plan.inv.matchedType) {
			e.logger.Debug().
				Str("saga", dataType).
				Str("message_type", plan.inv.matchedType).
				Msg("xsbus: no matching saga, handler skipped")
			return nil
		}
		data = handler.NewSagaData()
		data.BindSaga(uuid.New())
		isNew = true
	}

	loaded := data.SagaRevision()
	mc.sagaComplete = false
	if err := handler.HandleSaga(ctx, data, msg); err != nil {
		return err
	}

	var correlations []CorrelationValue
	if plan.corr != nil {
		correlations = []CorrelationValue{{Property: plan.corr.Property, Value: plan.value}}
	}

	switch {
	case mc.sagaComplete && isNew:
		// Started and completed within one message; nothing to persist.
		return nil
	case mc.sagaComplete:
		if err := e.storage.Delete(ctx, dataType, data); err != nil {
			return err
		}
	case isNew:
		if err := e.storage.Insert(ctx, dataType, data, correlations); err != nil {
			if e.observe != nil {
				e.observe(Event{Type: EventSagaConflict, MessageType: plan.inv.matchedType, Err: err})
			}
			return err
		}
	default:
		data.BumpRevision()
		if err := e.storage.Update(ctx, dataType, data, loaded, correlations); err != nil {
			if e.observe != nil {
				e.observe(Event{Type: EventSagaConflict, MessageType: plan.inv.matchedType, Err: err})
			}
			return err
		}
	}

	if e.snapshots != nil {
		meta := map[string]string{
			"saga-data-type": dataType,
			"message-type":   plan.inv.matchedType,
			"revision":       strconv.FormatInt(data.SagaRevision(), 10),
			"snapshot-time":  e.clock.Now().UTC().Format(headerTimeLayout),
		}
		if mc.Headers != nil {
			if id, ok := mc.Headers.Get(HeaderMessageID); ok {
				meta[HeaderMessageID] = id
			}
		}
		if err := e.snapshots.Save(ctx, dataType, data, meta); err != nil {
			e.logger.Warn().Err(err).Str("saga", dataType).Msg("xsbus: saga snapshot failed")
		}
	}
	return nil
}
