package protocol

// Directory and naming constants used throughout foreman.
const (
	// ForemanDir is the user-level state directory (e.g., ~/.foreman).
	ForemanDir = ".foreman"

	// SupervisorID is the fixed target id of the planning agent.
	SupervisorID = "supervisor"

	// WorkerPrefix prefixes every canonical worker id (worker-1, worker-2, ...).
	WorkerPrefix = "worker-"

	// TmuxSessionPrefix prefixes every multiplexer session name.
	TmuxSessionPrefix = "sup-"
)

// Bounded history sizes.
const (
	// AutoContinueHistoryCap bounds the auto-continue history ring.
	AutoContinueHistoryCap = 240

	// DispatchKeyCap bounds the processed supervisor directive ledger.
	DispatchKeyCap = 360

	// LogTailLimit is the number of events attached to a session read.
	LogTailLimit = 160
)
