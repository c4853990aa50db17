package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakePort 内存后端，可强制用量与注入写入错误
type fakePort struct {
	mu       sync.Mutex
	data     map[string][]byte
	capacity int64

	forcedUsage *float64
	usageErr    error
	setErrs     []error // 依次返回，用尽后恢复正常
	removeErr   error
	blockSet    bool
	setCalls    int
	removedKeys []string
}

func newFakePort(capacity int64) *fakePort {
	return &fakePort{data: make(map[string][]byte), capacity: capacity}
}

func (p *fakePort) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := p.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (p *fakePort) Set(ctx context.Context, items map[string][]byte) error {
	p.mu.Lock()
	p.setCalls++
	block := p.blockSet
	var err error
	if len(p.setErrs) > 0 {
		err = p.setErrs[0]
		p.setErrs = p.setErrs[1:]
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range items {
		p.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (p *fakePort) Remove(ctx context.Context, keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removeErr != nil {
		return p.removeErr
	}
	for _, k := range keys {
		delete(p.data, k)
		p.removedKeys = append(p.removedKeys, k)
	}
	return nil
}

func (p *fakePort) BytesInUse(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usageErr != nil {
		return 0, p.usageErr
	}
	if p.forcedUsage != nil {
		return int64(*p.forcedUsage * float64(p.capacity)), nil
	}
	var n int64
	for k, v := range p.data {
		n += int64(len(k) + len(v))
	}
	return n, nil
}

func (p *fakePort) CapacityBytes() int64 { return p.capacity }

func (p *fakePort) forceUsage(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forcedUsage = &f
}

func (p *fakePort) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.data[key]
	return ok
}

func (p *fakePort) failNextSets(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setErrs = append(p.setErrs, errs...)
}

// fakeClock 可手动推进的时间源
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var errBackendDown = errors.New("connection refused")
