package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryPort 进程内后端，容量按 len(key)+len(value) 累计
type MemoryPort struct {
	mu       sync.RWMutex
	data     map[string][]byte
	used     int64
	capacity int64
}

// NewMemoryPort 创建内存后端
func NewMemoryPort(capacity int64) *MemoryPort {
	if capacity <= 0 {
		capacity = DefaultCapacityBytes
	}
	return &MemoryPort{
		data:     make(map[string][]byte),
		capacity: capacity,
	}
}

func (p *MemoryPort) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	start := time.Now()
	if err := ctxErr(ctx); err != nil {
		observe(BackendMemory, "get", start, err)
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := p.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	observe(BackendMemory, "get", start, nil)
	return out, nil
}

// Set 整批写入，超出容量时整批拒绝
func (p *MemoryPort) Set(ctx context.Context, items map[string][]byte) (err error) {
	start := time.Now()
	defer func() { observe(BackendMemory, "set", start, err) }()

	if err := ctxErr(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var released, incoming int64
	for k, v := range items {
		if old, ok := p.data[k]; ok {
			released += entrySize(k, old)
		}
		incoming += entrySize(k, v)
	}
	if err := checkCapacity(p.used-released, incoming, p.capacity); err != nil {
		return err
	}

	for k, v := range items {
		p.data[k] = append([]byte(nil), v...)
	}
	p.used += incoming - released
	return nil
}

func (p *MemoryPort) Remove(ctx context.Context, keys []string) error {
	start := time.Now()
	if err := ctxErr(ctx); err != nil {
		observe(BackendMemory, "remove", start, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range keys {
		if old, ok := p.data[k]; ok {
			p.used -= entrySize(k, old)
			delete(p.data, k)
		}
	}
	observe(BackendMemory, "remove", start, nil)
	return nil
}

func (p *MemoryPort) BytesInUse(ctx context.Context) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.used, nil
}

func (p *MemoryPort) CapacityBytes() int64 { return p.capacity }

// Len 当前键数量
func (p *MemoryPort) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data)
}
