package xsbus

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern). Construction order
// is enforced in Build: ports first, then steps, then decorators, then the
// materialized pipeline chain.
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	registry  *TypeRegistry
	activator HandlerActivator
	router    Router

	sagaStorage     SagaStorage
	snapshotStorage SagaSnapshotStorage
	subStorage      SubscriptionStorage
	timeouts        TimeoutManager
	lock            ExclusiveLock

	newBackoff func() BackoffStrategy

	observers           []Observer
	pipelineCustomizers []func(*Pipeline)

	logger *xlog.Logger
	clock  xclock.Clock
	opts   Options
}

// NewBusBuilder returns a builder with the documented defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName: "json",
		registry:  NewTypeRegistry(),
		activator: NewBuiltinActivator(),
		router:    NewStaticRouter(),
		opts:      DefaultOptions(),
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from an
// adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithTypeRegistry replaces the type registry (shared registries let several
// endpoints agree on type names).
func (bb *BusBuilder) WithTypeRegistry(r *TypeRegistry) *BusBuilder {
	if r != nil {
		bb.registry = r
	}
	return bb
}

// WithActivator replaces the handler activator.
func (bb *BusBuilder) WithActivator(a HandlerActivator) *BusBuilder {
	if a != nil {
		bb.activator = a
	}
	return bb
}

// WithRouter replaces the router.
func (bb *BusBuilder) WithRouter(r Router) *BusBuilder {
	if r != nil {
		bb.router = r
	}
	return bb
}

// WithSagaStorage enables the saga engine over the given storage.
func (bb *BusBuilder) WithSagaStorage(s SagaStorage) *BusBuilder {
	bb.sagaStorage = s
	return bb
}

// WithSagaSnapshotStorage enables saga snapshotting.
func (bb *BusBuilder) WithSagaSnapshotStorage(s SagaSnapshotStorage) *BusBuilder {
	bb.snapshotStorage = s
	return bb
}

// WithSubscriptionStorage replaces the subscription storage.
func (bb *BusBuilder) WithSubscriptionStorage(s SubscriptionStorage) *BusBuilder {
	if s != nil {
		bb.subStorage = s
	}
	return bb
}

// WithTimeoutManager replaces the deferred-message store.
func (bb *BusBuilder) WithTimeoutManager(t TimeoutManager) *BusBuilder {
	if t != nil {
		bb.timeouts = t
	}
	return bb
}

// WithExclusiveLock replaces the saga exclusive-access lock (e.g. with an
// external implementation).
func (bb *BusBuilder) WithExclusiveLock(l ExclusiveLock) *BusBuilder {
	if l != nil {
		bb.lock = l
	}
	return bb
}

// WithBackoff replaces the worker backoff strategy factory.
func (bb *BusBuilder) WithBackoff(factory func() BackoffStrategy) *BusBuilder {
	if factory != nil {
		bb.newBackoff = factory
	}
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithPipeline registers a customizer that runs against the assembled
// pipeline before the step chain is materialized.
func (bb *BusBuilder) WithPipeline(customize func(*Pipeline)) *BusBuilder {
	if customize != nil {
		bb.pipelineCustomizers = append(bb.pipelineCustomizers, customize)
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithOptions replaces the whole option set.
func (bb *BusBuilder) WithOptions(o Options) *BusBuilder {
	bb.opts = o
	return bb
}

// WithWorkers sets the worker count; 0 builds a one-way client.
func (bb *BusBuilder) WithWorkers(n int) *BusBuilder {
	bb.opts.NumWorkers = n
	return bb
}

// WithErrorQueue sets the dead-letter destination.
func (bb *BusBuilder) WithErrorQueue(address string) *BusBuilder {
	bb.opts.ErrorQueueAddress = address
	return bb
}

// Build validates the configuration and assembles the bus.
func (bb *BusBuilder) Build() (*Bus, error) {
	if err := bb.opts.Validate(); err != nil {
		return nil, fmt.Errorf("xsbus: invalid options: %w", err)
	}

	var tr Transport
	var err error
	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	lg = lg.With(xlog.Str("component", "xsbus"))

	if err := registerControlMessages(bb.registry); err != nil {
		return nil, err
	}

	serializer := NewSerializer(cd, bb.registry)

	subs := bb.subStorage
	if subs == nil {
		subs = NewInMemorySubscriptionStorage(false)
	}
	timeouts := bb.timeouts
	if timeouts == nil {
		timeouts = NewInMemoryTimeoutManager()
	}
	lock := bb.lock
	if lock == nil {
		lock = NewSemaphoreLock(bb.opts.MaxLockBuckets)
	}
	newBackoff := bb.newBackoff
	if newBackoff == nil {
		newBackoff = func() BackoffStrategy {
			return NewDefaultBackoff(100*time.Millisecond, 200*time.Millisecond, 5*time.Second)
		}
	}

	tracker := NewErrorTracker(bb.opts.MaxDeliveryAttempts, bb.opts.TrackerMaxAge, clk)

	_, nativeDeferral := tr.(DeferredDeliveryTransport)

	bus := &Bus{
		transport:      tr,
		serializer:     serializer,
		registry:       bb.registry,
		activator:      bb.activator,
		tracker:        tracker,
		timeouts:       timeouts,
		subs:           subs,
		router:         bb.router,
		opts:           bb.opts,
		oneWay:         bb.opts.NumWorkers == 0,
		nativeDeferral: nativeDeferral,
		logger:         lg,
		clock:          clk,
	}

	var engine *SagaEngine
	if bb.sagaStorage != nil {
		engine = NewSagaEngine(bb.sagaStorage, bb.snapshotStorage, lock, lg, clk)
		engine.observe = bus.notify
		bus.sagas = engine
	}

	bus.dispatcher = NewDispatcher(bb.registry, bb.activator, engine, subs, lg)

	// Stock pipeline. The retry step is always first; deferral steps are
	// removed below for transports with native future delivery.
	pipeline := NewPipeline()
	pipeline.AppendIncoming(NewRetryStep(tracker, bb.opts.ErrorQueueAddress, tr.Address(), bus.forwardTransportMessage, bus.notify, lg))
	pipeline.AppendIncoming(NewDiscardExpiredStep(clk, bus.notify, lg))
	pipeline.AppendIncoming(NewDeferredMessagesStep(bb.opts.ExternalTimeoutManagerAddress, bus.forwardTransportMessage, bus.notify))
	pipeline.AppendIncoming(NewHandleDeferredMessagesStep(timeouts, bus.notify))
	pipeline.AppendIncoming(NewDeserializeStep(serializer))
	pipeline.AppendIncoming(NewDispatchStep(bus.dispatcher))

	returnAddress := tr.Address()
	if bus.oneWay {
		returnAddress = ""
	}
	pipeline.AppendOutgoing(NewStampHeadersStep(returnAddress, clk))
	pipeline.AppendOutgoing(NewSerializeStep(serializer))
	pipeline.AppendOutgoing(NewSendStep(tr, bus.notify, lg))

	if nativeDeferral {
		pipeline.RemoveIncoming(func(s IncomingStep) bool {
			return s.ID() == StepDeferMessages || s.ID() == StepHandleDeferred
		})
	}

	for _, customize := range bb.pipelineCustomizers {
		customize(pipeline)
	}

	bus.pipeline = pipeline
	bus.invoker = NewPipelineInvoker(pipeline)
	bus.pool = newWorkerPool(tr, bus.invoker, bb.opts.MaxParallelism, newBackoff, bus.notify, lg, clk)
	bus.observerPool = NewObserverPool(context.Background(), 4, 1024)

	// Attach the logging observer first unless one was supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		bus.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		bus.AddObserver(o)
	}

	return bus, nil
}
