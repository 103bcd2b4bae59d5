package constants

import "time"

// 调度循环重试策略
const (
	// MaxDispatchAttempts caps account rotations inside one request.
	MaxDispatchAttempts = 15

	// DefaultRetryAfter is assumed when a 429 carries no Retry-After header.
	DefaultRetryAfter = 300 * time.Second

	// UpstreamCallTimeout bounds a single upstream generate/stream call.
	UpstreamCallTimeout = 30 * time.Minute

	// TokenRefreshLeeway refreshes OAuth tokens this long before expiry.
	TokenRefreshLeeway = 5 * time.Minute
)

// 日志管道
const (
	LogFlushBatchSize = 50
	LogFlushInterval  = 1000 * time.Millisecond

	// LogIDMapCapacity bounds the temp→real log id map.
	LogIDMapCapacity = 65536

	// LogUpdateRequeueDelay / LogUpdateMaxRequeues govern updates that
	// arrive before their create row committed.
	LogUpdateRequeueDelay = 50 * time.Millisecond
	LogUpdateMaxRequeues  = 3
)

// 聚合器
const (
	AggregatorTick            = 10 * time.Minute
	AggregatorHourDelay       = 5 * time.Minute
	AggregatorCatchupMaxHours = 168
)

// 缓存 TTL
const (
	AffinityTTL         = 60 * time.Minute
	AccountListCacheTTL = 30 * time.Minute
)

// 假流式
const (
	FakeStreamHeartbeat = 3 * time.Second
)
