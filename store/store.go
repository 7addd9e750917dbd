package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/courier/message"
)

var (
	// ErrUnavailable is the class of transient store failures. Operations failing with it may be retried.
	ErrUnavailable = errors.New("message store unavailable")

	// ErrNotFound is returned when message does not exist, usually because it has been consumed concurrently.
	ErrNotFound = errors.New("message not found")

	// ErrLocked is returned when message is locked by someone else.
	ErrLocked = errors.New("message locked")
)

// IsResource returns true if error is a transient store failure.
func IsResource(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

type resourceError struct {
	err error
}

func (e resourceError) Error() string {
	return ErrUnavailable.Error() + ": " + e.err.Error()
}

func (e resourceError) Unwrap() error {
	return e.err
}

func (e resourceError) Is(target error) bool {
	return target == ErrUnavailable
}

func resource(err error) error {
	return errors.WithStack(resourceError{err: err})
}

// Tx is the local transaction.
type Tx interface {
	Commit() error
	Rollback() error
}

// TransactionManager creates local transactions.
type TransactionManager interface {
	CreateLocalTransaction(ctx context.Context) (Tx, error)
}

// MessageStore is the persistent store of messages. It is the single source of truth about message existence.
// Methods taking Tx run inside it, nil Tx means autocommit.
type MessageStore interface {
	Put(ctx context.Context, m *message.Message, tx Tx) error
	Find(ctx context.Context, id string) (*message.Message, error)
	Lock(ctx context.Context, id, lockID string) error
	LockNext(
		ctx context.Context,
		destination string,
		target uuid.UUID,
		criteria message.Criteria,
		lockID string,
	) (*message.Message, error)
	Unlock(ctx context.Context, id, lockID string, tx Tx) error
	Remove(ctx context.Context, id string, tx Tx) error
	Retarget(ctx context.Context, id, destination string, target uuid.UUID, tx Tx) error
	IsAvailable(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, destination string, target uuid.UUID) ([]*message.Message, error)
}

// Backend is the message store managing its own transactions.
type Backend interface {
	MessageStore
	TransactionManager

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// InTx runs fn inside new local transaction. Transaction is committed if fn succeeds and rolled back otherwise.
func InTx(ctx context.Context, tm TransactionManager, fn func(tx Tx) error) error {
	tx, err := tm.CreateLocalTransaction(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(err, "rollback failed: %s", rErr)
		}
		return err
	}
	return tx.Commit()
}
