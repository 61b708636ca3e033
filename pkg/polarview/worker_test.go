package polarview

import (
	"math"
	"testing"
	"time"
)

func workerSetup(t *testing.T) *PolarView {
	t.Helper()
	instr, grid, masks := testSetup()
	pv := New(instr, grid, masks, Params{})
	if err := pv.SetImages(map[string][]float64{
		"det": uniformImage(10, 100*100),
	}); err != nil {
		t.Fatal(err)
	}
	return pv
}

func TestWorkerDeliversResult(t *testing.T) {
	pv := workerSetup(t)
	w := NewWorker(pv)

	gen := w.Submit()
	select {
	case r := <-w.Results():
		if r.Err != nil {
			t.Fatalf("pipeline failed: %v", r.Err)
		}
		if r.Generation != gen {
			t.Fatalf("result generation = %d, want %d", r.Generation, gen)
		}
		if len(r.Display) == 0 {
			t.Fatal("empty display image")
		}
		for i, v := range r.Display {
			if math.IsNaN(v) {
				t.Fatalf("pixel %d NaN; the grid lies fully on the panel", i)
			}
		}
	case <-time.After(30 * time.Second):
		t.Fatal("no result delivered")
	}
}

// A run whose generation is no longer current must do no work and
// publish nothing. Bumping the counter before invoking the run makes
// staleness deterministic.
func TestWorkerDiscardsStaleRun(t *testing.T) {
	pv := workerSetup(t)
	w := NewWorker(pv)

	w.generation.Store(5)
	w.run(3)

	select {
	case r := <-w.Results():
		t.Fatalf("stale run published generation %d", r.Generation)
	default:
	}
	if pv.DisplayImage() != nil {
		t.Fatal("stale run applied its images")
	}

	// the current generation still runs to completion
	w.run(5)
	select {
	case r := <-w.Results():
		if r.Err != nil {
			t.Fatalf("pipeline failed: %v", r.Err)
		}
		if r.Generation != 5 {
			t.Fatalf("result generation = %d, want 5", r.Generation)
		}
	default:
		t.Fatal("current run published nothing")
	}
}

// A newer undelivered result replaces an older one in the buffer.
func TestWorkerKeepsNewestResult(t *testing.T) {
	pv := workerSetup(t)
	w := NewWorker(pv)

	never := func() bool { return false }
	w.publish(Result{Generation: 1}, never)
	w.publish(Result{Generation: 2}, never)

	select {
	case r := <-w.Results():
		if r.Generation != 2 {
			t.Fatalf("delivered generation %d, want 2", r.Generation)
		}
	default:
		t.Fatal("no result buffered")
	}
}
