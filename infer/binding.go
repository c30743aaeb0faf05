// Package infer implements the async accelerator binding layer: how a
// stage submits an inference job with DMA-FD-backed tensor bindings, and
// how the runtime's completion callback is threaded back to the submitter
// in FIFO order.
//
// The accelerator runtime itself — device enumeration, model loading, the
// actual VDevice/InferModel/ConfiguredInferModel machinery — is an external
// collaborator this package does not implement; ModelProvider and
// ConfiguredModel are the seam a vendor runtime binds into.
package infer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/logging"
)

// FormatOrder names a tensor's dimension order, fixed per tensor role:
// planar Y is NHCW, interleaved UV is NHWC, Bayer is NHCW, scalar gains
// are NC.
type FormatOrder string

const (
	FormatNHCW FormatOrder = "NHCW"
	FormatNHWC FormatOrder = "NHWC"
	FormatNC   FormatOrder = "NC"
)

// Binding ties one tensor name to a plane of a live Frame. The binding must
// keep the Frame alive (via a reference the caller already holds) until the
// completion callback that consumes this BindingSet returns.
type Binding struct {
	Frame      *bufpool.Frame
	PlaneIndex int
	TensorName string
	Format     FormatOrder
}

// BindingSet is one submission's full tensor-binding record: ordinary
// inputs/outputs plus the denoise/HDR side channels (gain, skip-feedback).
type BindingSet struct {
	Inputs     []Binding
	Outputs    []Binding
	GainInputs []Binding
	SkipInputs []Binding

	// SubmittedAt is stamped by Binding.Process and used to compute
	// end-to-end denoise/HDR latency once the completion callback fires.
	SubmittedAt time.Time

	// UserData is an opaque payload the submitter attaches at construction
	// and reads back in its completion handler — the "opaque pointer +
	// function" free-callback idiom applied to submission bookkeeping
	// (e.g. which frames a denoise submission must release once its
	// completion fires).
	UserData any
}

// CompletionFunc is invoked once per submission, on a runtime-owned thread,
// with either the completed BindingSet or the failure the runtime reported.
// A non-nil err does not mean the binding should be discarded: a failed
// runtime callback still enqueues the binding so the pipeline keeps
// draining.
type CompletionFunc func(*BindingSet, error)

// ConfiguredModel is the per-model handle a ModelProvider hands back from
// Configure: the seam for a vendor accelerator runtime's
// ConfiguredInferModel.
type ConfiguredModel interface {
	// WaitForAsyncReady blocks until the model can accept another
	// submission or timeout elapses.
	WaitForAsyncReady(timeout time.Duration) error
	// RunAsync submits bindings and returns immediately; onComplete fires
	// later, exactly once, on a runtime-owned thread. The runtime is
	// required to deliver completions FIFO per configured model — this
	// package does not independently reorder them.
	RunAsync(bindings *BindingSet, onComplete CompletionFunc) error
}

// ModelProvider is the seam for a vendor runtime's VDevice/InferModel
// machinery: given a model path and scheduling parameters it lazily
// creates (or reuses) a ConfiguredModel with the declared tensor format
// orders.
type ModelProvider interface {
	Configure(modelPath, deviceGroupID string, schedulerThreshold int, schedulerTimeout time.Duration, batchSize int, inputOrders, outputOrders map[string]FormatOrder) (ConfiguredModel, error)
}

// Engine is the AsyncInferenceBinding engine: it owns a cache of
// configured models keyed by model path, submits jobs, and tracks
// outstanding-job state via last-inserted/last-completed timestamps.
type Engine struct {
	provider ModelProvider
	onFinish CompletionFunc

	mu     sync.Mutex
	models map[string]ConfiguredModel

	lastInsertedNs  atomic.Int64
	lastCompletedNs atomic.Int64

	log *logging.Logger
}

// New constructs an Engine. onFinish is the user observer invoked from the
// runtime's completion callback once a submission finishes.
func New(provider ModelProvider, onFinish CompletionFunc) *Engine {
	return &Engine{
		provider: provider,
		onFinish: onFinish,
		models:   make(map[string]ConfiguredModel),
		log:      logging.Default().Named("infer"),
	}
}

// SetConfig lazily creates (or reuses, keyed by modelPath) a configured
// model for the given scheduling parameters and tensor format orders.
func (b *Engine) SetConfig(modelPath, deviceGroupID string, schedulerThreshold int, schedulerTimeout time.Duration, batchSize int, inputOrders, outputOrders map[string]FormatOrder) (ConfiguredModel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.models[modelPath]; ok {
		return m, nil
	}
	m, err := b.provider.Configure(modelPath, deviceGroupID, schedulerThreshold, schedulerTimeout, batchSize, inputOrders, outputOrders)
	if err != nil {
		return nil, errs.Wrap("infer.SetConfig", errs.Accelerator, err)
	}
	b.models[modelPath] = m
	return m, nil
}

const defaultReadyTimeout = 10 * time.Second

// Process submits bindings against the configured model for modelPath:
// wait_for_async_ready, submit run_async, record the job's inserted
// timestamp. The completion callback (on a runtime thread) invokes the
// user's onFinish and records the completed timestamp, guaranteeing
// HasPendingJobs reflects outstanding work at all times.
func (b *Engine) Process(modelPath string, bindings *BindingSet) error {
	b.mu.Lock()
	m, ok := b.models[modelPath]
	b.mu.Unlock()
	if !ok {
		return errs.New("infer.Process", errs.Uninitialized, "model \""+modelPath+"\" not configured")
	}

	if err := m.WaitForAsyncReady(defaultReadyTimeout); err != nil {
		return errs.Wrap("infer.Process", errs.Accelerator, err)
	}

	bindings.SubmittedAt = time.Now()
	b.lastInsertedNs.Store(bindings.SubmittedAt.UnixNano())

	err := m.RunAsync(bindings, func(bs *BindingSet, runErr error) {
		if runErr != nil {
			b.log.Warn("runtime reported inference failure, still delivering binding", "err", runErr)
		}
		// Record the completing job's own submission timestamp, not
		// wall-clock-now: has_pending_jobs compares this against
		// lastInsertedNs, and that comparison only means "nothing
		// outstanding" once the most-recently-submitted job's own
		// timestamp round-trips back through completion.
		b.lastCompletedNs.Store(bs.SubmittedAt.UnixNano())
		if b.onFinish != nil {
			b.onFinish(bs, runErr)
		}
	})
	if err != nil {
		// Submission itself failed synchronously: no completion will ever
		// fire for this job, so mark it complete now to keep
		// HasPendingJobs accurate.
		b.lastCompletedNs.Store(bindings.SubmittedAt.UnixNano())
		return errs.Wrap("infer.Process", errs.Accelerator, err)
	}
	return nil
}

// HasPendingJobs reports whether the most recently submitted job's
// completion has not yet fired.
func (b *Engine) HasPendingJobs() bool {
	return b.lastInsertedNs.Load() != b.lastCompletedNs.Load()
}
