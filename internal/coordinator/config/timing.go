package config

import "time"

// Default timing configurations used throughout the coordinator
const (
	// DefaultCacheTTL is the fast-store TTL used when a record is repopulated from the durable store
	DefaultCacheTTL = 1 * time.Hour

	// DefaultIdleTimeout is how long a session may stay silent before it is reaped
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultCounterTTL bounds how long a fleet counter survives without a refresh,
	// which bounds over-counting after an instance crash
	DefaultCounterTTL = 5 * time.Minute

	// DefaultReapSchedule is the cron spec of the idle-session reaper
	DefaultReapSchedule = "@every 1m"

	// DefaultTaskRetention is how long finished task records are kept
	DefaultTaskRetention = 24 * time.Hour

	// DefaultFinishedCacheTTL is how long an instance keeps finished task records in memory
	DefaultFinishedCacheTTL = 1 * time.Minute

	// DefaultGCSchedule is the cron spec of the durable task sweep
	DefaultGCSchedule = "@every 10m"

	// DefaultLockTTL is the expiry of a task lock
	DefaultLockTTL = 10 * time.Second

	// DefaultLockAttempts is how many times a blocking acquire tries
	DefaultLockAttempts = 100

	// DefaultLockBackoff is the pause between lock attempts
	DefaultLockBackoff = 20 * time.Millisecond

	// DefaultDurableTimeout is the deadline for one durable write
	DefaultDurableTimeout = 5 * time.Second

	// DefaultWriteQueueSize is the capacity of the write-behind queue
	DefaultWriteQueueSize = 1024

	// DefaultBusReconnectInitial is the first event-bus reconnect delay
	DefaultBusReconnectInitial = 100 * time.Millisecond

	// DefaultBusReconnectMax caps the event-bus reconnect delay
	DefaultBusReconnectMax = 10 * time.Second

	// DefaultPingInterval is how often the server pings an idle socket
	DefaultPingInterval = 30 * time.Second

	// DefaultPongWait is how long a socket may go without a pong
	DefaultPongWait = 60 * time.Second

	// DefaultWriteWait is the deadline for one socket write
	DefaultWriteWait = 10 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 15 * time.Second

	// DefaultMaxMessageBytes bounds one inbound client message
	DefaultMaxMessageBytes = 10 * 1024

	// DefaultRuntimeStepDelay is the pause between simulated runtime steps
	DefaultRuntimeStepDelay = 500 * time.Millisecond
)
