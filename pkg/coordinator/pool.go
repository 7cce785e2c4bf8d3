package coordinator

import (
	"fmt"
	"sync"

	"prfsolve/internal/models"
	"prfsolve/pkg/fit"
	"prfsolve/pkg/prf"
)

// job is one voxel to fit; n is its position in the dispatch order
type job struct {
	n     int
	index models.Index
}

type jobResult struct {
	n       int
	outcome UnitOutcome
}

// workerPool runs one goroutine per model, each draining jobs with its own
// model. results is closed once every worker has returned, which is the
// join point of a run.
type workerPool struct {
	jobs    chan job
	results chan jobResult
	wg      sync.WaitGroup
}

func startWorkerPool(pool []prf.Model, queue int, work func(prf.Model, job) UnitOutcome) *workerPool {
	p := &workerPool{
		jobs:    make(chan job, queue),
		results: make(chan jobResult, len(pool)),
	}
	for _, model := range pool {
		p.wg.Add(1)
		go func(m prf.Model) {
			defer p.wg.Done()
			for j := range p.jobs {
				p.results <- jobResult{n: j.n, outcome: runJob(work, m, j)}
			}
		}(model)
	}
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
	return p
}

// runJob calls work for one job. A panic fails that voxel only.
func runJob(work func(prf.Model, job) UnitOutcome, m prf.Model, j job) (out UnitOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = UnitOutcome{Index: j.index, Err: &fit.FitFailedError{
				Index: j.index,
				Stage: "panic",
				Err:   fmt.Errorf("%v", r),
			}}
		}
	}()
	return work(m, j)
}

// submit queues every index in order and closes the queue
func (p *workerPool) submit(indices []models.Index) {
	for n, idx := range indices {
		p.jobs <- job{n: n, index: idx}
	}
	close(p.jobs)
}
