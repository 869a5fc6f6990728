package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/events"
)

// Membership is the slice of MembershipService the coordinator mutates.
type Membership interface {
	Get(ctx context.Context, roomID string) (Room, error)
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	MarkStale(ctx context.Context, roomID, userID string) error
}

// PresenceReader fetches user records from the user service.
type PresenceReader interface {
	GetUser(ctx context.Context, userID string) (User, error)
}

// StatusWriter asks the user service's status reconciler to move a user to
// the given status. Setting the same status and room twice is safe, so a call
// whose outcome was lost to a timeout may be repeated.
type StatusWriter interface {
	SetStatus(ctx context.Context, userID, status, roomID string) error
}

// Publisher emits membership change events. Delivery is at least once;
// publish failures never undo a completed saga.
type Publisher interface {
	Publish(ctx context.Context, ev events.MembershipChangeEvent) error
}

// Lease serializes sagas per user. Acquire returns a release function, or
// ErrSagaInProgress when another saga already holds the user's lease.
type Lease interface {
	Acquire(ctx context.Context, userID string) (func(), error)
}

// SagaConfig bounds the coordinator's retries and per-step timeouts.
type SagaConfig struct {
	StatusAttempts int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	StepTimeout    time.Duration
}

func (c SagaConfig) withDefaults() SagaConfig {
	if c.StatusAttempts <= 0 {
		c.StatusAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 3 * time.Second
	}
	return c
}

// Saga step markers, kept only in memory to drive compensation.
const (
	stepValidated         = "validated"
	stepMembershipUpdated = "membership-updated"
	stepStatusUpdated     = "status-updated"
	stepEventPublished    = "event-published"
)

type sagaAttempt struct {
	RoomID    string
	UserID    string
	Direction string
	Step      string
}

// Coordinator runs the cross-service enter/exit saga. Membership and presence
// live in stores with no shared transaction, so each workflow is an explicit
// step sequence with compensating actions for partial failure.
type Coordinator struct {
	membership Membership
	presence   PresenceReader
	status     StatusWriter
	publisher  Publisher
	lease      Lease
	cfg        SagaConfig
	logger     *log.Logger
}

func NewCoordinator(membership Membership, presence PresenceReader, status StatusWriter, publisher Publisher, lease Lease, cfg SagaConfig, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{
		membership: membership,
		presence:   presence,
		status:     status,
		publisher:  publisher,
		lease:      lease,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Enter runs the enter saga: validate, add membership, request status inside,
// publish. Membership is mutated before status so a failed status update can
// be compensated by the cheap, idempotent set removal.
func (c *Coordinator) Enter(ctx context.Context, roomID, userID string) error {
	release, err := c.lease.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	attempt := sagaAttempt{RoomID: roomID, UserID: userID, Direction: events.Entered}

	user, err := c.presence.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	room, err := c.membership.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !CanEnter(user, room) {
		return ErrEntryDenied
	}
	attempt.Step = stepValidated

	if err := c.membership.AddMember(ctx, roomID, userID); err != nil {
		return err
	}
	attempt.Step = stepMembershipUpdated

	// The client may disconnect from here on; the saga still has to finish or
	// compensate, so the remaining steps run on detached per-step contexts.
	if err := c.setStatusBounded(userID, StatusInside, roomID); err != nil {
		return c.compensateEnter(attempt, err)
	}
	attempt.Step = stepStatusUpdated

	c.publish(events.NewMembershipChange(userID, roomID, events.Entered))
	attempt.Step = stepEventPublished
	return nil
}

// Exit runs the exit saga. The order is deliberately the mirror of Enter:
// status first, membership removal second, so a user is never a member of a
// room while their status already says otherwise for longer than one failed
// step, and the action left to retry is the idempotent set removal.
func (c *Coordinator) Exit(ctx context.Context, roomID, userID string) error {
	release, err := c.lease.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	attempt := sagaAttempt{RoomID: roomID, UserID: userID, Direction: events.Exited}

	user, err := c.presence.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := c.membership.Get(ctx, roomID); err != nil {
		return err
	}
	if user.RoomID != roomID {
		return ErrNotInRoom
	}
	attempt.Step = stepValidated

	if err := c.setStatusBounded(userID, StatusOutside, ""); err != nil {
		// Nothing to compensate: membership is untouched and the presence
		// store still holds the old status.
		return err
	}
	attempt.Step = stepStatusUpdated

	if err := c.removeBounded(roomID, userID); err != nil {
		return c.failExit(attempt, err)
	}
	attempt.Step = stepMembershipUpdated

	c.publish(events.NewMembershipChange(userID, roomID, events.Exited))
	attempt.Step = stepEventPublished
	return nil
}

// setStatusBounded calls the status reconciler with a per-call timeout,
// retrying transient failures up to the configured bound. The status-set
// operation is idempotent, so an ambiguous timeout is safe to repeat.
func (c *Coordinator) setStatusBounded(userID, status, roomID string) error {
	var lastErr error
	for i := 0; i < c.cfg.StatusAttempts; i++ {
		if i > 0 {
			time.Sleep(exponentialBackoff(i, c.cfg.RetryInitial, c.cfg.RetryMax))
		}
		callCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StepTimeout)
		err := c.status.SetStatus(callCtx, userID, status, roomID)
		cancel()
		if err == nil {
			return nil
		}
		if Terminal(err) {
			return err
		}
		lastErr = err
		c.logger.WithError(err).WithFields(log.Fields{"user": userID, "status": status, "attempt": i + 1}).Warn("status update failed")
	}
	return fmt.Errorf("%w: status update: %v", ErrUnavailable, lastErr)
}

func (c *Coordinator) removeBounded(roomID, userID string) error {
	var lastErr error
	for i := 0; i < c.cfg.StatusAttempts; i++ {
		if i > 0 {
			time.Sleep(exponentialBackoff(i, c.cfg.RetryInitial, c.cfg.RetryMax))
		}
		callCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StepTimeout)
		err := c.membership.RemoveMember(callCtx, roomID, userID)
		cancel()
		if err == nil || errors.Is(err, ErrRoomNotFound) {
			// A concurrently deleted room has no member set left to disagree
			// with the user's status.
			return nil
		}
		if Terminal(err) {
			return err
		}
		lastErr = err
		c.logger.WithError(err).WithFields(log.Fields{"room": roomID, "user": userID, "attempt": i + 1}).Warn("membership removal failed")
	}
	return fmt.Errorf("%w: membership removal: %v", ErrUnavailable, lastErr)
}

// compensateEnter undoes the membership add after a failed status update. The
// saga must not leave a membership entry for a user whose status never
// landed; when even the compensation fails the inconsistency is surfaced as
// ErrPartialEnter instead of being retried forever.
func (c *Coordinator) compensateEnter(attempt sagaAttempt, cause error) error {
	if err := c.removeBounded(attempt.RoomID, attempt.UserID); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"room": attempt.RoomID,
			"user": attempt.UserID,
			"step": attempt.Step,
		}).Error("enter compensation failed, membership and status disagree")
		return fmt.Errorf("%w: after %v", ErrPartialEnter, cause)
	}
	c.logger.WithFields(log.Fields{"room": attempt.RoomID, "user": attempt.UserID}).Info("enter saga compensated")
	return cause
}

// failExit marks the membership entry stale after removal retries ran out.
// The user's status is already outside, so the entry no longer counts toward
// occupancy; the operator-visible inconsistency is reported as ErrPartialExit.
func (c *Coordinator) failExit(attempt sagaAttempt, cause error) error {
	markCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StepTimeout)
	defer cancel()
	if err := c.membership.MarkStale(markCtx, attempt.RoomID, attempt.UserID); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"room": attempt.RoomID,
			"user": attempt.UserID,
		}).Error("failed to mark stale membership after exit")
	}
	c.logger.WithFields(log.Fields{
		"room": attempt.RoomID,
		"user": attempt.UserID,
		"step": attempt.Step,
	}).Error("exit saga left a stale membership entry")
	return fmt.Errorf("%w: %v", ErrPartialExit, cause)
}

func (c *Coordinator) publish(ev events.MembershipChangeEvent) {
	pubCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StepTimeout)
	defer cancel()
	if err := c.publisher.Publish(pubCtx, ev); err != nil {
		// Best effort: consumers reconcile missed events on their own.
		c.logger.WithError(err).WithFields(log.Fields{
			"event":     ev.ID,
			"room":      ev.RoomID,
			"user":      ev.UserID,
			"direction": ev.Direction,
		}).Warn("membership event publish failed")
	}
}
