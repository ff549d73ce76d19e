package domain

// WriteDecision is the outcome of a write attempted against the persisted row.
type WriteDecision struct {
	Accepted    bool
	NextVersion int64
	Err         error
}

// ResolveVersionedWrite accepts a write only when the writer still holds the
// persisted version. Whichever write lands first against a matching version
// wins; the other is rejected whole.
func ResolveVersionedWrite(persisted, expected int64) (int64, error) {
	if expected != persisted {
		return persisted, ErrVersionConflict
	}
	return persisted + 1, nil
}

// ResolvePlainWrite always accepts: the last write to arrive overwrites.
func ResolvePlainWrite(persisted int64) WriteDecision {
	return WriteDecision{Accepted: true, NextVersion: persisted}
}

func Resolve(kind Kind, persisted, expected int64) WriteDecision {
	if kind != KindVersioned {
		return ResolvePlainWrite(persisted)
	}
	next, err := ResolveVersionedWrite(persisted, expected)
	if err != nil {
		return WriteDecision{NextVersion: persisted, Err: err}
	}
	return WriteDecision{Accepted: true, NextVersion: next}
}

// CheckLockUpgrade validates a pessimistic lock taken on a copy that was read
// earlier without one. A versioned copy whose row moved on in between is stale.
func CheckLockUpgrade(kind Kind, readVersion, persistedVersion int64) error {
	if kind == KindVersioned && readVersion != persistedVersion {
		return ErrVersionConflict
	}
	return nil
}
