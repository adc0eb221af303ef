package requeue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("requeue target not found")
	ErrForbidden = errors.New("caller does not own campaign")
	ErrLocked    = errors.New("locked")
)

// LockedError reports an active cooldown and when it ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("requeue locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}
