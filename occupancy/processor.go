package occupancy

import (
	"context"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/events"
)

type eventApplier interface {
	Apply(ctx context.Context, ev events.MembershipChangeEvent) error
}

type deduper interface {
	Add(ctx context.Context, eventID string) (bool, error)
	Remove(ctx context.Context, eventID string) error
}

// ProcessEvent applies one dequeued event and publishes the raw payload to the
// live-updates channel. Duplicates (by event ID) are dropped before touching
// the read model; a failed apply releases the dedup entry so the queue's
// redelivery gets another chance. Publish failures are logged and swallowed,
// the read model is already consistent.
func ProcessEvent(ctx context.Context, h eventApplier, dedup deduper, rc *redis.Client, channel string, ev events.MembershipChangeEvent, payload string) error {
	if dedup != nil {
		fresh, err := dedup.Add(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !fresh {
			log.WithField("event", ev.ID).Debug("dropping duplicate membership event")
			return nil
		}
	}
	if err := h.Apply(ctx, ev); err != nil {
		if dedup != nil {
			if rmErr := dedup.Remove(ctx, ev.ID); rmErr != nil {
				log.WithError(rmErr).WithField("event", ev.ID).Error("failed to release dedup entry")
			}
		}
		return err
	}
	if rc != nil {
		if err := rc.Publish(ctx, channel, payload).Err(); err != nil {
			log.WithError(err).Errorf("unable to publish occupancy update to %s", channel)
		}
	}
	return nil
}
