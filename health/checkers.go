package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/provider"
)

// DefaultQueueBacklog is the message count above which a queue is degraded.
const DefaultQueueBacklog = 10000

// PoolSource returns the channel pool to check, or nil when there is none.
// Provider.Pool has this shape.
type PoolSource func() *rabbitmq.ChannelPool

func newResult(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{Name: name, Timestamp: start, Details: make(map[string]any)}, start
}

func fail(result CheckResult, start time.Time, msg string, err error) CheckResult {
	result.Status = StatusUnhealthy
	result.Message = msg
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// Connected is satisfied by *rabbitmq.ConnectionManager.
type Connected interface {
	IsConnected() bool
}

// ConnectionChecker reports whether the broker connection is up
type ConnectionChecker struct {
	conn Connected
}

func NewConnectionChecker(conn Connected) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	if !c.conn.IsConnected() {
		return fail(result, start, "broker connection is down", nil)
	}

	result.Status = StatusHealthy
	result.Message = "broker connection is up"
	result.Duration = time.Since(start)
	return result
}

// ChannelPoolChecker borrows and returns a reply channel
type ChannelPoolChecker struct {
	pool PoolSource
}

func NewChannelPoolChecker(pool PoolSource) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	pool := c.pool()
	if pool == nil {
		return fail(result, start, "channel pool not started", nil)
	}

	ch, err := pool.Acquire(ctx)
	if err != nil {
		return fail(result, start, "failed to get channel from pool", err)
	}
	pool.Release(ch)

	result.Status = StatusHealthy
	result.Message = "channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["size"] = pool.Size()
	result.Details["idle"] = pool.Idle()
	result.Details["created"] = pool.Created()
	return result
}

// QueueChecker inspects a queue through the channel pool
type QueueChecker struct {
	queue   string
	pool    PoolSource
	backlog int
}

// NewQueueChecker creates a checker that reports the queue degraded above
// backlog ready messages; backlog <= 0 uses DefaultQueueBacklog.
func NewQueueChecker(queue string, pool PoolSource, backlog int) *QueueChecker {
	if backlog <= 0 {
		backlog = DefaultQueueBacklog
	}
	return &QueueChecker{queue: queue, pool: pool, backlog: backlog}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	pool := c.pool()
	if pool == nil {
		return fail(result, start, "channel pool not started", nil)
	}

	var queue amqp.Queue
	err := pool.Execute(ctx, func(ch rabbitmq.Channel) error {
		var err error
		queue, err = rabbitmq.InspectQueue(ch, c.queue)
		return err
	})
	if err != nil {
		return fail(result, start, fmt.Sprintf("queue %s not accessible", c.queue), err)
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	result.Duration = time.Since(start)
	result.Details["messages"] = queue.Messages
	result.Details["consumers"] = queue.Consumers

	if queue.Messages > c.backlog {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has a backlog of %d messages", c.queue, queue.Messages)
	}
	return result
}

// ProviderChecker is healthy while the provider is running and consuming
type ProviderChecker struct {
	provider *provider.Provider
}

func NewProviderChecker(p *provider.Provider) *ProviderChecker {
	return &ProviderChecker{provider: p}
}

func (c *ProviderChecker) Name() string {
	return "search_provider"
}

func (c *ProviderChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	state := c.provider.State()
	result.Details["state"] = state.String()
	result.Details["inFlight"] = c.provider.InFlight()

	consuming := c.provider.Consuming()
	result.Details["consuming"] = consuming

	switch state {
	case provider.StateRunning:
		if !consuming {
			return fail(result, start, "provider lost its request consumer", nil)
		}
		result.Status = StatusHealthy
		result.Message = "provider is consuming requests"
	case provider.StateStarting:
		result.Status = StatusDegraded
		result.Message = "provider is starting"
	default:
		return fail(result, start, "provider is stopped", nil)
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker reports degraded or unhealthy above goroutine thresholds
type RuntimeChecker struct {
	warning  int
	critical int
}

func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["heapAllocMb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gcRuns"] = m.NumGC

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}
