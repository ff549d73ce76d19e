package domain

// LockMode is the lock observed on a tracked product.
type LockMode int

const (
	LockNone LockMode = iota
	// LockOptimistic is reported for versioned products read without a row lock.
	LockOptimistic
	LockPessimisticWrite
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "NONE"
	case LockOptimistic:
		return "OPTIMISTIC"
	case LockPessimisticWrite:
		return "PESSIMISTIC_WRITE"
	default:
		return "UNKNOWN"
	}
}

// Policy decides where in the call chain the exclusive lock is requested.
type Policy int

const (
	// PolicyLockAtRead locks inside the repository fetch itself.
	PolicyLockAtRead Policy = iota
	// PolicyLockAtCall declares the lock on the orchestrating operation.
	PolicyLockAtCall
	// PolicyLockDeclaredByCaller relies on the lock intent of the caller's scope.
	PolicyLockDeclaredByCaller
	PolicyNoLock
	// PolicyExplicitLock fetches without a lock and upgrades the copy afterwards.
	PolicyExplicitLock
)

var Policies = []Policy{
	PolicyLockAtRead,
	PolicyLockAtCall,
	PolicyLockDeclaredByCaller,
	PolicyNoLock,
	PolicyExplicitLock,
}

func (p Policy) String() string {
	switch p {
	case PolicyLockAtRead:
		return "lock-at-read"
	case PolicyLockAtCall:
		return "lock-at-call"
	case PolicyLockDeclaredByCaller:
		return "lock-declared-by-caller"
	case PolicyNoLock:
		return "no-lock"
	case PolicyExplicitLock:
		return "explicit-lock-after-read"
	default:
		return "unknown"
	}
}
