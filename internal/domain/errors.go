package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrOrphanAssessment — действие или алерт ссылаются на оценку, которой нет в истории профиля.
var ErrOrphanAssessment = errors.New("assessment is not present in profile history")

// MalformedEventError — событие не прошло нормализацию. Не ретраится.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s: %s", e.Field, e.Reason)
}

// ClassificationTimeoutError — внешний классификатор не уложился в дедлайн.
type ClassificationTimeoutError struct {
	Deadline time.Duration
}

func (e *ClassificationTimeoutError) Error() string {
	return fmt.Sprintf("classification timed out after %s", e.Deadline)
}

// ClassificationUnavailableError — внешний классификатор недоступен.
type ClassificationUnavailableError struct {
	Cause error
}

func (e *ClassificationUnavailableError) Error() string {
	return fmt.Sprintf("classification unavailable: %v", e.Cause)
}

func (e *ClassificationUnavailableError) Unwrap() error { return e.Cause }

// ActionApplicationError — исполнитель не смог применить или откатить контрмеру.
// Permanent=true означает, что повтор бессмысленен.
type ActionApplicationError struct {
	ActionID  string
	Kind      ActionKind
	Permanent bool
	Cause     error
}

func (e *ActionApplicationError) Error() string {
	return fmt.Sprintf("action %s (%s) failed: %v", e.ActionID, e.Kind, e.Cause)
}

func (e *ActionApplicationError) Unwrap() error { return e.Cause }

func (e *ActionApplicationError) IsPermanent() bool { return e.Permanent }

// ProfileStoreUnavailableError — хранилище профилей временно недоступно, событие нужно переставить в очередь.
type ProfileStoreUnavailableError struct {
	Identity string
	Cause    error
}

func (e *ProfileStoreUnavailableError) Error() string {
	return fmt.Sprintf("profile store unavailable for %s: %v", e.Identity, e.Cause)
}

func (e *ProfileStoreUnavailableError) Unwrap() error { return e.Cause }

// ProfileNotFoundError — профиль для идентичности не существует.
type ProfileNotFoundError struct {
	Identity string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("profile %s not found", e.Identity)
}

// IsRetryable сообщает, нужно ли повторить обработку события.
func IsRetryable(err error) bool {
	var unavailable *ProfileStoreUnavailableError
	return errors.As(err, &unavailable)
}
