// Package stage implements the pipeline framework's worker: one goroutine
// per stage, a main input queue plus any number of laterally-aligned side
// queues, fan-out to subscribers, and ordered start/stop.
package stage

import (
	"sync"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/logging"
	"github.com/edgecam/medialib/internal/metrics"
	"github.com/edgecam/medialib/queue"
)

// Processor is the per-stage work function. Side inputs (queue index > 0)
// are consulted at the implementation's discretion; Stage performs no
// automatic join across queues. A returned error is logged and the frame is
// dropped — Processor errors never tear the pipeline down. Process owns the
// frame it is given (it must Release it, directly or via Stage.Broadcast/
// SendTo) and is responsible for forwarding any output downstream itself —
// Stage does not broadcast automatically, since a submission may yield zero
// outputs (dropped), one (straight pass-through), or an output produced
// later from an asynchronous completion callback.
type Processor interface {
	// Attach is called once, before Init, with the Stage this Processor
	// drives — implementations keep it to call Broadcast/SendTo from
	// Process (or from a completion callback it spawns).
	Attach(s *Stage)
	// Init is called once before the worker loop starts.
	Init() error
	// Process handles one main-stream frame. side, if non-nil, exposes the
	// stage's additional input queues by the order they were declared in.
	Process(frame *bufpool.Frame, side []*queue.Queue[*bufpool.Frame]) error
	// Deinit is called once after the worker loop exits.
	Deinit() error
}

// Stage is one node of the pipeline DAG: a name, a main input queue keyed by
// publisher name plus optional side queues, a subscriber fan-out list, and
// exactly one worker goroutine.
type Stage struct {
	Name string

	proc Processor

	mainQueueCap int
	mainPolicy   queue.Policy

	mu          sync.Mutex
	inputs      map[string]*queue.Queue[*bufpool.Frame] // keyed by publisher name
	inputOrder  []string                                // main stream is inputs[inputOrder[0]]
	subscribers []*Stage

	eos     bool
	started bool
	wg      sync.WaitGroup

	registry *metrics.Registry
	log      *logging.Logger
}

// New constructs a Stage. mainQueueCap/mainPolicy configure the queue
// created for the first publisher that pushes to this stage (the main
// stream); AddInputQueue declares side queues explicitly and up front.
// registry may be nil, in which case the stage gets its own private one.
func New(name string, proc Processor, mainQueueCap int, mainPolicy queue.Policy, registry *metrics.Registry) *Stage {
	if registry == nil {
		registry = metrics.NewRegistry(nil)
	}
	s := &Stage{
		Name:         name,
		proc:         proc,
		mainQueueCap: mainQueueCap,
		mainPolicy:   mainPolicy,
		inputs:       make(map[string]*queue.Queue[*bufpool.Frame]),
		registry:     registry,
		log:          logging.Default().Named("stage").Named(name),
	}
	proc.Attach(s)
	return s
}

// Metrics returns this stage's instrumentation snapshot source.
func (s *Stage) Metrics() *metrics.Stage { return s.registry.Stage(s.Name) }

// AddInputQueue declares an additional (side) input queue fed by publisher.
// Must be called before Start. The first queue ever added — whether via
// AddInputQueue or the implicit one created for the first subscriber — is
// the main stream.
func (s *Stage) AddInputQueue(publisher string, capacity int, policy queue.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inputs[publisher]; ok {
		return
	}
	s.inputs[publisher] = queue.New[*bufpool.Frame](capacity, policy,
		queue.WithRelease(func(f *bufpool.Frame) {
			if f != nil {
				f.Release()
			}
		}),
		queue.WithMetrics[*bufpool.Frame](s.registry.Stage(s.Name)),
	)
	s.inputOrder = append(s.inputOrder, publisher)
}

// AddSubscriber appends sub to this stage's fan-out list and has sub create
// its per-publisher input queue, so downstream graph wiring is a single
// call at setup time.
func (s *Stage) AddSubscriber(sub *Stage) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()
	sub.AddInputQueue(s.Name, sub.mainQueueCap, sub.mainPolicy)
}

// Push routes frame to the input queue registered for publisher. An unknown
// publisher is silently dropped — the graph is frozen at setup time, so a
// mismatch here is a configuration bug caught during subscription, not a
// runtime condition worth surfacing.
func (s *Stage) Push(publisher string, frame *bufpool.Frame) {
	s.mu.Lock()
	q, ok := s.inputs[publisher]
	s.mu.Unlock()
	if !ok {
		if frame != nil {
			frame.Release()
		}
		return
	}
	if err := q.Push(frame); err != nil && frame != nil {
		frame.Release()
	}
}

// sideQueues returns every declared input queue after the main stream, in
// declaration order.
func (s *Stage) sideQueues() []*queue.Queue[*bufpool.Frame] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputOrder) <= 1 {
		return nil
	}
	out := make([]*queue.Queue[*bufpool.Frame], 0, len(s.inputOrder)-1)
	for _, name := range s.inputOrder[1:] {
		out = append(out, s.inputs[name])
	}
	return out
}

func (s *Stage) mainQueue() *queue.Queue[*bufpool.Frame] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputOrder) == 0 {
		return nil
	}
	return s.inputs[s.inputOrder[0]]
}

// Broadcast pushes frame to every subscriber. Each subscriber AddRefs the
// frame before storing it in its own queue, since ownership is shared
// across the fan-out; the caller's own reference is released once every
// subscriber has its copy queued.
func (s *Stage) Broadcast(frame *bufpool.Frame) {
	s.mu.Lock()
	subs := append([]*Stage(nil), s.subscribers...)
	s.mu.Unlock()
	for _, sub := range subs {
		frame.AddRef()
		sub.Push(s.Name, frame)
	}
	frame.Release()
}

// SendTo pushes frame to exactly the named subscriber, AddRef'd once for
// that delivery; the caller's reference is released.
func (s *Stage) SendTo(name string, frame *bufpool.Frame) {
	s.mu.Lock()
	var target *Stage
	for _, sub := range s.subscribers {
		if sub.Name == name {
			target = sub
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		frame.Release()
		return
	}
	frame.AddRef()
	target.Push(s.Name, frame)
	frame.Release()
}

// Start creates the stage's single worker goroutine and runs its loop. It
// is a no-op if the stage is already started.
func (s *Stage) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.eos = false
	if len(s.inputOrder) == 0 {
		// A source stage with no declared publisher still needs a main
		// queue to receive synthetic pushes (e.g. from a capture thread).
		s.inputs["__source__"] = queue.New[*bufpool.Frame](s.mainQueueCap, s.mainPolicy,
			queue.WithRelease(func(f *bufpool.Frame) {
				if f != nil {
					f.Release()
				}
			}),
			queue.WithMetrics[*bufpool.Frame](s.registry.Stage(s.Name)),
		)
		s.inputOrder = append(s.inputOrder, "__source__")
	}
	s.mu.Unlock()

	if err := s.proc.Init(); err != nil {
		return errs.Wrap("stage.Start", errs.Pipeline, err)
	}

	s.wg.Add(1)
	go s.loop()
	return nil
}

// loop implements ThreadedStage::loop: init has already run by the time
// loop starts; it pops the main queue until EOS and an empty queue
// coincide, dispatching to Process with trace_begin/trace_end/trace_fps
// bracketing each frame, then deinit.
func (s *Stage) loop() {
	defer s.wg.Done()

	main := s.mainQueue()
	side := s.sideQueues()

	for {
		frame, ok := main.Pop()
		if !ok {
			s.mu.Lock()
			eos := s.eos
			s.mu.Unlock()
			if eos {
				break
			}
			continue
		}
		if frame == nil {
			s.mu.Lock()
			eos := s.eos
			s.mu.Unlock()
			if eos {
				break
			}
			continue
		}

		span := s.registry.Begin(s.Name)
		if err := s.proc.Process(frame, side); err != nil {
			s.log.Warn("process failed, dropping frame", "err", err)
			span.Fail()
			continue
		}
		span.End(false)
	}

	if err := s.proc.Deinit(); err != nil {
		s.log.Warn("deinit failed", "err", err)
	}
}

// Stop sets EOS, wakes every input queue, and joins the worker goroutine.
// Calling Stop on an already-stopped stage is a no-op.
func (s *Stage) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.eos = true
	queues := make([]*queue.Queue[*bufpool.Frame], 0, len(s.inputs))
	for _, q := range s.inputs {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}
