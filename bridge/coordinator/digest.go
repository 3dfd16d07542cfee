package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// digestScanLimit bounds how many dead letters one digest inspects.
const digestScanLimit = 500

// DeliveryDigest posts a summary of recently dead-lettered jobs to the
// admin room. Individual delivery failures are never surfaced to chat
// users; this is the admin-facing aggregate. No admin room or no
// failures means no notice.
func (c *Coordinator) DeliveryDigest(ctx context.Context, since time.Time) error {
	if c.config.AdminRoomID == "" {
		return nil
	}
	limit := digestScanLimit
	letters, err := c.store.ListDeadLetters(ctx, &store.FindDeadLetter{Limit: &limit})
	if err != nil {
		return err
	}

	cutoff := since.Unix()
	counts := map[string]int{}
	total := 0
	for _, letter := range letters {
		if letter.CreatedTs < cutoff {
			continue
		}
		counts[letter.Queue]++
		total++
	}
	if total == 0 {
		return nil
	}

	queues := make([]string, 0, len(counts))
	for queue := range counts {
		queues = append(queues, queue)
	}
	sort.Strings(queues)

	text := fmt.Sprintf("Delivery digest: %d failed jobs since %s.", total, since.UTC().Format(time.RFC3339))
	for _, queue := range queues {
		text += fmt.Sprintf(" %s: %d.", queue, counts[queue])
	}
	return c.hs.SendNotice(ctx, c.config.AdminRoomID, text)
}
