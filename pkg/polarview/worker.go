package polarview

import (
	"sync"
	"sync/atomic"
)

// Result is the outcome of one background pipeline run.
type Result struct {
	// Generation identifies the Submit call that produced the result
	Generation uint64

	Display     []float64
	Computation []float64
	Err         error
}

// Worker runs the full warp and correction pipeline off the caller's
// goroutine, one run per Submit. Every Submit bumps a generation
// counter; a run whose generation is no longer current discards its
// work between stages and never publishes, so a stale configuration
// can never overwrite a newer result.
type Worker struct {
	pv         *PolarView
	generation atomic.Uint64

	// runMu serializes runs so two overlapping submissions never
	// interleave their pipeline stages
	runMu sync.Mutex

	results chan Result
}

// NewWorker creates a worker for the given view. Results are delivered
// on Results; the channel holds one pending result and older
// undelivered results are dropped in favor of newer ones.
func NewWorker(pv *PolarView) *Worker {
	return &Worker{
		pv:      pv,
		results: make(chan Result, 1),
	}
}

// Results delivers the outcome of completed, non-stale runs.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Submit schedules a full pipeline run and returns its generation.
// Any run still in flight becomes stale immediately.
func (w *Worker) Submit() uint64 {
	gen := w.generation.Add(1)
	go w.run(gen)
	return gen
}

// Cancel marks every in-flight run stale without scheduling a new one.
func (w *Worker) Cancel() {
	w.generation.Add(1)
}

func (w *Worker) run(gen uint64) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	stale := func() bool { return w.generation.Load() != gen }
	if stale() {
		return
	}

	if err := w.pv.WarpAllImages(); err != nil {
		w.publish(Result{Generation: gen, Err: err}, stale)
		return
	}
	if stale() {
		return
	}

	comp := w.pv.compositeWarped()
	if stale() {
		return
	}

	params := w.pv.Params()
	processed, bkg, err := w.pv.processComposite(comp, params)
	if err != nil {
		w.publish(Result{Generation: gen, Err: err}, stale)
		return
	}
	if stale() {
		return
	}

	display, computation, err := w.pv.deriveMaskedImages(processed)
	if err != nil {
		w.publish(Result{Generation: gen, Err: err}, stale)
		return
	}

	// apply the results only while still current
	w.pv.mu.Lock()
	if stale() {
		w.pv.mu.Unlock()
		return
	}
	w.pv.composite = comp
	w.pv.processed = processed
	w.pv.snipBkg = bkg
	w.pv.displayImage = display
	w.pv.computationImage = computation
	w.pv.mu.Unlock()

	w.publish(Result{
		Generation:  gen,
		Display:     display,
		Computation: computation,
	}, stale)
}

// publish delivers a result unless it has gone stale, replacing any
// undelivered older result.
func (w *Worker) publish(r Result, stale func() bool) {
	if stale() {
		return
	}
	for {
		select {
		case w.results <- r:
			return
		default:
			select {
			case <-w.results:
			default:
			}
		}
	}
}
