package tso

// State is the run state of a logical thread.
type State int

const (
	Runnable State = iota
	Running
	Blocked
	Finished
	Killed
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "Runnable"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Finished:
		return "Finished"
	case Killed:
		return "Killed"
	}
	return "Unknown"
}

// IsTerminal returns true if the thread will never run again.
func (s State) IsTerminal() bool {
	return s == Finished || s == Killed
}

// ValidTransitions defines the allowed state transitions for threads.
var ValidTransitions = map[State][]State{
	Runnable: {Running, Killed},
	Running:  {Runnable, Blocked, Finished, Killed},
	Blocked:  {Runnable, Killed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Flags are the per-thread status bits.
type Flags uint32

const (
	// Locked pins the thread to its home capability.
	Locked Flags = 1 << iota
	// BlockEx defers asynchronous interruption until cleared.
	BlockEx
	// Interruptible allows interruption while the thread is blocked.
	Interruptible
)

func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// BlockReason says what a blocked thread is waiting for.
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockIO
	BlockThread
	BlockSleep
	BlockForeign
)

func (r BlockReason) String() string {
	switch r {
	case BlockNone:
		return "none"
	case BlockIO:
		return "io"
	case BlockThread:
		return "thread"
	case BlockSleep:
		return "sleep"
	case BlockForeign:
		return "foreign"
	}
	return "unknown"
}
