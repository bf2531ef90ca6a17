package interview

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/tracing"
	"interview-buddy-go/internal/types"
)

// PersistFailure 一次持久化失败
type PersistFailure struct {
	SessionID string
	Event     string
	Op        string // snapshot, final_report, archive, enqueue
	Err       error
}

type persistJob struct {
	ctx      context.Context
	snapshot *types.Session
	event    string
}

// Persister 把会话快照异步写入对象存储和数据库归档，失败只记录不上抛
type Persister struct {
	artifacts storage.ArtifactStore
	archive   storage.SessionArchive
	timeout   time.Duration
	onError   func(PersistFailure)

	queues []chan persistJob
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPersister 启动 workers 个后台写入协程，同一会话的任务总是落在同一个协程上按序写入。
// 两个存储都为空时 Enqueue 是空操作。
func NewPersister(artifacts storage.ArtifactStore, archive storage.SessionArchive, workers, queueSize int, timeout time.Duration, onError func(PersistFailure)) *Persister {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &Persister{
		artifacts: artifacts,
		archive:   archive,
		timeout:   timeout,
		onError:   onError,
	}
	if !p.enabled() {
		return p
	}

	p.queues = make([]chan persistJob, workers)
	for i := range p.queues {
		p.queues[i] = make(chan persistJob, queueSize)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

func (p *Persister) enabled() bool {
	return p.artifacts != nil || p.archive != nil
}

// Enqueue 复制快照并排队写入，队列满时丢弃并报告
func (p *Persister) Enqueue(ctx context.Context, s *types.Session, event string) {
	if !p.enabled() {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.report(ctx, PersistFailure{SessionID: s.SessionID, Event: event, Op: "enqueue", Err: errors.New("持久化队列已关闭")})
		return
	}

	job := persistJob{
		// 保留 trace 和日志上下文，但不随请求结束而取消
		ctx:      context.WithoutCancel(ctx),
		snapshot: s.Clone(),
		event:    event,
	}
	select {
	case p.queueFor(s.SessionID) <- job:
	default:
		p.report(ctx, PersistFailure{SessionID: s.SessionID, Event: event, Op: "enqueue", Err: errors.New("持久化队列已满")})
	}
}

// Close 停止接收新任务并等待队列清空
func (p *Persister) Close(ctx context.Context) error {
	if !p.enabled() {
		return nil
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persister) queueFor(sessionID string) chan persistJob {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

func (p *Persister) worker(jobs <-chan persistJob) {
	defer p.wg.Done()
	for job := range jobs {
		p.persist(job)
	}
}

func (p *Persister) persist(job persistJob) {
	ctx, cancel := context.WithTimeout(job.ctx, p.timeout)
	defer cancel()

	s := job.snapshot
	ctx, span := tracer.Start(ctx, "interview.persist")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.SessionID),
		attribute.String("session.event", job.event),
	)

	fail := func(op string, err error) {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		p.report(ctx, PersistFailure{SessionID: s.SessionID, Event: job.event, Op: op, Err: err})
	}

	if p.artifacts != nil {
		if err := p.artifacts.PutJSON(ctx, storage.SessionSnapshotKey(s.SessionID), s); err != nil {
			fail("snapshot", err)
		}
		if s.Ended() {
			if err := p.artifacts.PutJSON(ctx, storage.FinalReportKey(s.SessionID), s); err != nil {
				fail("final_report", err)
			}
		}
	}
	if p.archive != nil {
		if err := p.archive.ArchiveSession(ctx, s, job.event); err != nil {
			fail("archive", err)
		}
	}
}

func (p *Persister) report(ctx context.Context, f PersistFailure) {
	logger.Ctx(ctx).Error().
		Err(f.Err).
		Str("session_id", f.SessionID).
		Str("event", f.Event).
		Str("op", f.Op).
		Msg("会话持久化失败")
	if p.onError != nil {
		p.onError(f)
	}
}
