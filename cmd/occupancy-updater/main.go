package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/events"
	"github.com/OritPerlman/Hotel/occupancy"
	"github.com/OritPerlman/Hotel/occupancy/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("occupancy updater starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	eventsQueue := os.Getenv("MEMBERSHIP_EVENTS_QUEUE")
	occupancyTable := os.Getenv("OCCUPANCY_TABLE")
	if connStr == "" || eventsQueue == "" || occupancyTable == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, eventsQueue, occupancyTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))
	dedupTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupTTL = d
	}
	dedup := occupancy.NewRedisDeduper(rc, dedupTTL)

	channel := os.Getenv("OCCUPANCY_CHANNEL")
	if channel == "" {
		channel = "occupancy"
	}

	svc := occupancy.NewService(store)
	ctx := context.Background()
	for {
		msg, err := store.Dequeue(ctx)
		if err != nil {
			log.WithError(err).Error("receive failed")
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			time.Sleep(time.Second)
			continue
		}
		payload := *msg.MessageText
		var ev events.MembershipChangeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.WithError(err).Error("dropping undecodable message")
		} else if err := occupancy.ProcessEvent(ctx, svc, dedup, rc, channel, ev, payload); err != nil {
			// Leave the message for redelivery after its visibility timeout.
			log.WithError(err).WithField("event", ev.ID).Error("apply failed")
			continue
		}
		if err := store.Delete(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
			log.WithError(err).Error("delete message failed")
		}
	}
}

func parseRedisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
