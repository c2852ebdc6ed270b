package health

import (
	"context"
	"fmt"
	"time"

	"github.com/forensic-logging/sidecar/internal/event"
	"github.com/google/uuid"
)

const LevelPing = "ping"

// Identity is what a ping reports about the running sidecar.
type Identity struct {
	ID        uuid.UUID
	Version   string
	StartTime time.Time
}

type PingResult struct {
	ID                 string `json:"id"`
	Version            string `json:"version"`
	Current            string `json:"current"`
	Uptime             int64  `json:"uptime"`
	EventCountLastHour int    `json:"eventCountLastHour"`
}

// Ping reports uptime in milliseconds and the number of events recorded by
// the current identity during the hour before now.
func Ping(ctx context.Context, counter event.Counter, identity Identity, now time.Time) (PingResult, error) {
	now = now.UTC()

	count, err := event.CountInTimespan(ctx, counter, identity.ID, now.Add(-time.Hour), now)
	if err != nil {
		return PingResult{}, fmt.Errorf("failed to count recent events: %w", err)
	}

	return PingResult{
		ID:                 identity.ID.String(),
		Version:            identity.Version,
		Current:            event.FormatTimestamp(now),
		Uptime:             now.Sub(identity.StartTime).Milliseconds(),
		EventCountLastHour: count,
	}, nil
}
