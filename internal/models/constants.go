package models

// Queue item statuses. An item changes status only through the drain path.
const (
	ItemStatusPending    = "pending"
	ItemStatusProcessing = "processing"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
)

// Version ledger operations.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Conflict resolution strategies.
const (
	StrategyLocalWins  = "local_wins"
	StrategyServerWins = "server_wins"
	StrategyMerge      = "merge"
	StrategyManual     = "manual"
)

// Merge field priority sides.
const (
	SideLocal  = "local"
	SideServer = "server"
)

// Sync job types.
const (
	JobTypeFullSync           = "full_sync"
	JobTypeIncrementalSync    = "incremental_sync"
	JobTypeConflictResolution = "conflict_resolution"
	JobTypeQueueProcessing    = "queue_processing"
)

// Sync job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Enqueue validation bounds and defaults.
const (
	MinPriority       = 0
	MaxPriority       = 100
	DefaultPriority   = 50
	DefaultMaxRetries = 3
	MaxMaxRetries     = 10
)

// Retention defaults in days.
const (
	DefaultQueueRetentionDays    = 7
	DefaultConflictRetentionDays = 30
	DefaultDeviceRetentionDays   = 30
)
