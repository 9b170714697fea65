package queue

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateBatchReceived
	StatePartitionGrouping
	StateDispatching
	StateCommitCheck
	StateMemoryCheck
	StateTuneCheck
	StateStopping
	StateDrained
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateBatchReceived:
		return "batch_received"
	case StatePartitionGrouping:
		return "partition_grouping"
	case StateDispatching:
		return "dispatching"
	case StateCommitCheck:
		return "commit_check"
	case StateMemoryCheck:
		return "memory_check"
	case StateTuneCheck:
		return "tune_check"
	case StateStopping:
		return "stopping"
	case StateDrained:
		return "drained"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
