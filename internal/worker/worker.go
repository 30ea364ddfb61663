package worker

import "chatimport/internal/importer"

type jobResult struct {
	summary *importer.Summary
	err     error
}

// Job is one import waiting for or holding a worker.
type Job struct {
	ID       string
	Artifact *importer.Artifact
	resultCh chan jobResult
	stop     bool
}

func (job Job) chatID() int64 {
	if job.Artifact == nil {
		return 0
	}
	return job.Artifact.ChatID
}

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	handle     func(Job)
}

func newWorker(pool *jobChannelPool, handle func(Job)) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		handle:     handle,
	}
}

// Start parks the worker in the idle list and runs jobs handed to it
// until it receives a stop job.
func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.handle(job)
		}
	}()
}
