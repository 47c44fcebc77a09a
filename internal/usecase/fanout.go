package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	FanoutKindInvalidate = "invalidate"
	FanoutKindPublish    = "publish"
	FanoutKindAudit      = "audit"
)

// FanoutTask is side-effect work that runs after a commit. Its failure never
// affects the committed transfer.
type FanoutTask struct {
	Kind string
	Ref  string
	Run  func(ctx context.Context) error
}

// FanoutPool runs post-commit tasks on a fixed set of workers. Submit never
// blocks: when the queue is full the task is dropped and counted.
type FanoutPool struct {
	workers     int
	taskChan    chan *FanoutTask
	taskTimeout time.Duration
	logger      *zap.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewFanoutPool(workers, queueSize int, taskTimeout time.Duration, logger *zap.Logger) *FanoutPool {
	if workers <= 0 {
		workers = 1
	}
	return &FanoutPool{
		workers:     workers,
		taskChan:    make(chan *FanoutTask, queueSize),
		taskTimeout: taskTimeout,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

func (p *FanoutPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *FanoutPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.taskChan:
			p.run(id, task)
		case <-p.stopChan:
			// finish whatever is already queued
			for {
				select {
				case task := <-p.taskChan:
					p.run(id, task)
				default:
					return
				}
			}
		}
	}
}

func (p *FanoutPool) run(workerID int, task *FanoutTask) {
	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			fanoutTasksTotal.WithLabelValues(task.Kind, "panic").Inc()
			p.logger.Error("fanout task panicked",
				zap.Int("worker", workerID),
				zap.String("kind", task.Kind),
				zap.String("ref", task.Ref),
				zap.Any("panic", r))
		}
	}()

	if err := task.Run(ctx); err != nil {
		fanoutTasksTotal.WithLabelValues(task.Kind, "failed").Inc()
		p.logger.Warn("fanout task failed",
			zap.Int("worker", workerID),
			zap.String("kind", task.Kind),
			zap.String("ref", task.Ref),
			zap.Error(err))
		return
	}
	fanoutTasksTotal.WithLabelValues(task.Kind, "ok").Inc()
}

// Submit enqueues task and reports whether it was accepted.
func (p *FanoutPool) Submit(task *FanoutTask) bool {
	select {
	case <-p.stopChan:
		fanoutDropped.Inc()
		return false
	default:
	}

	select {
	case p.taskChan <- task:
		return true
	default:
		fanoutDropped.Inc()
		p.logger.Error("fanout queue full, dropping task",
			zap.String("kind", task.Kind),
			zap.String("ref", task.Ref))
		return false
	}
}

// Stop drains the queue and waits for the workers to exit.
func (p *FanoutPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}
