package arbiter

import "hash/fnv"

// ShardPool implements §4.3's thread-per-core execution model: requests
// are sharded by hash of resource across N single-threaded workers, so
// within a shard work is strictly ordered and across shards there is no
// shared mutable state. The shards only prepare and submit proposals;
// the consensus layer itself still serializes the actual log append
// via its single-writer leader, matching "Proposals from all shards
// funnel into the consensus layer via a single-writer ingress."
type ShardPool struct {
	shards []chan func()
}

// NewShardPool starts n worker goroutines, each pinned to its own
// channel, and returns a pool ready to route work by resource name.
func NewShardPool(n int) *ShardPool {
	if n <= 0 {
		n = 1
	}
	p := &ShardPool{shards: make([]chan func(), n)}
	for i := range p.shards {
		ch := make(chan func(), 256)
		p.shards[i] = ch
		go func(work <-chan func()) {
			for fn := range work {
				fn()
			}
		}(ch)
	}
	return p
}

// Submit runs fn on the shard resource hashes to and blocks until fn
// returns, giving the caller a synchronous call backed by a single-
// threaded worker per shard.
func (p *ShardPool) Submit(resource string, fn func()) {
	done := make(chan struct{})
	shard := p.shards[shardIndex(resource, len(p.shards))]
	shard <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func shardIndex(resource string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(resource))
	return int(h.Sum32()) % n
}

// Close stops accepting new work. Existing in-flight Submit calls still
// complete since their channel send happened before Close runs.
func (p *ShardPool) Close() {
	for _, ch := range p.shards {
		close(ch)
	}
}
