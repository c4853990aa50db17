package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"contextcache/internal/history"

	"github.com/redis/go-redis/v9"
)

// scanBatch SCAN 每批返回的键数
const scanBatch = 200

// RedisPort 基于 Redis 的后端
// 默认前缀带 hash tag，集群模式下所有键落在同一 slot，MGET 与事务才能跨键执行
type RedisPort struct {
	client   redis.UniversalClient
	prefix   string
	capacity int64
}

// NewRedisPort 创建 Redis 后端
func NewRedisPort(client redis.UniversalClient, prefix string, capacity int64) *RedisPort {
	if capacity <= 0 {
		capacity = DefaultCapacityBytes
	}
	return &RedisPort{client: client, prefix: prefix, capacity: capacity}
}

func (p *RedisPort) key(k string) string {
	return p.prefix + k
}

func (p *RedisPort) Get(ctx context.Context, keys []string) (out map[string][]byte, err error) {
	start := time.Now()
	defer func() { observe(BackendRedis, "get", start, err) }()

	out = make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.key(k)
	}

	vals, err := p.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, unavailable("MGET 失败", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

// Set MULTI/EXEC 整批写入
// 写入前按配置容量校验（覆盖的旧值先扣除），maxmemory 拒绝写入（OOM）同样映射为容量错误
// 容量校验与写入之间不加锁，多进程并发写入时可能短暂超出配置容量
func (p *RedisPort) Set(ctx context.Context, items map[string][]byte) (err error) {
	start := time.Now()
	defer func() { observe(BackendRedis, "set", start, err) }()

	if len(items) == 0 {
		return nil
	}

	if err = p.checkCapacity(ctx, items); err != nil {
		return err
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range items {
			pipe.Set(ctx, p.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return classifyRedisWrite(err)
	}
	return nil
}

// checkCapacity 当前用量减去被覆盖键的旧大小，加上本批大小，不得超过容量
func (p *RedisPort) checkCapacity(ctx context.Context, items map[string][]byte) error {
	used, err := p.BytesInUse(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(items))
	var incoming int64
	for k, v := range items {
		keys = append(keys, k)
		incoming += entrySize(k, v)
	}

	cmds, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.StrLen(ctx, p.key(k))
		}
		return nil
	})
	if err != nil {
		return unavailable("统计容量失败", err)
	}
	var released int64
	for i, cmd := range cmds {
		n, err := cmd.(*redis.IntCmd).Result()
		if err != nil {
			return unavailable("统计容量失败", err)
		}
		if n > 0 {
			released += entrySize(keys[i], nil) + n
		}
	}
	return checkCapacity(used-released, incoming, p.capacity)
}

func (p *RedisPort) Remove(ctx context.Context, keys []string) (err error) {
	start := time.Now()
	defer func() { observe(BackendRedis, "remove", start, err) }()

	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.key(k)
	}
	if err = p.client.Del(ctx, full...).Err(); err != nil {
		return unavailable("DEL 失败", err)
	}
	return nil
}

// BytesInUse SCAN 前缀下所有键，累加 键长+STRLEN
func (p *RedisPort) BytesInUse(ctx context.Context) (total int64, err error) {
	start := time.Now()
	defer func() { observe(BackendRedis, "usage", start, err) }()

	var mu sync.Mutex
	scan := func(ctx context.Context, client redis.UniversalClient) error {
		n, err := p.scanNode(ctx, client)
		mu.Lock()
		total += n
		mu.Unlock()
		return err
	}

	if cluster, ok := p.client.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scan(ctx, node)
		})
	} else {
		err = scan(ctx, p.client)
	}
	if err != nil {
		return 0, unavailable("统计用量失败", err)
	}
	return total, nil
}

func (p *RedisPort) scanNode(ctx context.Context, client redis.UniversalClient) (int64, error) {
	var (
		total  int64
		cursor uint64
	)
	match := escapeGlob(p.prefix) + "*"
	for {
		keys, next, err := client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return 0, err
		}
		if len(keys) > 0 {
			cmds, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, k := range keys {
					pipe.StrLen(ctx, k)
				}
				return nil
			})
			if err != nil {
				return 0, err
			}
			for i, cmd := range cmds {
				n, err := cmd.(*redis.IntCmd).Result()
				if err != nil {
					return 0, err
				}
				total += int64(len(keys[i])-len(p.prefix)) + n
			}
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func (p *RedisPort) CapacityBytes() int64 { return p.capacity }

func classifyRedisWrite(err error) error {
	if strings.HasPrefix(err.Error(), "OOM ") {
		return fmt.Errorf("%w: %v", history.ErrCapacityExceeded, err)
	}
	return unavailable("写入 Redis 失败", err)
}

// escapeGlob 转义 SCAN MATCH 中的通配字符
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
