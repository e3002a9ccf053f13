package chat

import (
	"hash/fnv"
	"sync"

	"UniRide/logger"
	"UniRide/tools/safe"

	"go.uber.org/zap"
)

type fanoutJob struct {
	conns   []*Conn
	payload []byte
}

// Fanout copies frames into connection queues on a fixed set of workers.
// Jobs are sharded by key, so jobs with the same key are delivered in the
// order they were submitted. A full connection queue drops the frame.
type Fanout struct {
	shards  []chan fanoutJob
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	log     *zap.Logger
}

// NewFanout with workers <= 0 delivers inline on the caller's goroutine.
func NewFanout(workers, queue int, log *zap.Logger) *Fanout {
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{stopped: make(chan struct{}), log: logger.Or(log).Named("fanout")}
	for i := 0; i < workers; i++ {
		ch := make(chan fanoutJob, queue)
		f.shards = append(f.shards, ch)
		f.wg.Add(1)
		safe.SafeGo("fanout-worker", func() {
			defer f.wg.Done()
			for {
				select {
				case job := <-ch:
					f.deliver(job)
				case <-f.stopped:
					return
				}
			}
		})
	}
	return f
}

// Deliver hands payload to every target. It blocks while the key's shard is
// full and drops the job once the fanout is closed.
func (f *Fanout) Deliver(key string, payload []byte, conns []*Conn) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	job := fanoutJob{conns: conns, payload: payload}
	if len(f.shards) == 0 {
		f.deliver(job)
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	select {
	case f.shards[h.Sum32()%uint32(len(f.shards))] <- job:
	case <-f.stopped:
	}
}

func (f *Fanout) deliver(job fanoutJob) {
	for _, c := range job.conns {
		if !c.Enqueue(job.payload) && !c.Closed() {
			f.log.Debug("slow consumer, frame dropped", zap.String("conn", c.ID()), zap.String("user", c.UserID()))
		}
	}
}

func (f *Fanout) Close() {
	f.once.Do(func() { close(f.stopped) })
	f.wg.Wait()
}
