package lifecycle

import (
	"time"

	"positionwatch/internal/errs"
	"positionwatch/internal/metrics"
	"positionwatch/logger"
	"positionwatch/models"
)

// feed is the per-account ingestion entry point driven by the session. It
// runs on the session's reader goroutine, so messages of one account reach
// the tracker in arrival order.
func (c *Controller) feed(account string, raw []byte) error {
	events, err := c.tracker.Feed(account, raw)
	c.dispatch(account, events)

	switch {
	case err == nil:
		return nil
	case errs.IsSessionExpired(err):
		return err
	case errs.IsMalformed(err):
		metrics.Malformed(account)
		logger.RecordMalformedUpdate()
		c.log.WithComponent("tracker").WithError(err).WithFields(logger.Fields{
			"account": account,
			"bytes":   len(raw),
		}).Warn("discarded malformed update")
		return nil
	default:
		return err
	}
}

// resync diffs the snapshot fetched on reconnect so changes made while the
// stream was down flow through the same outputs as streamed ones.
func (c *Controller) resync(account string, snaps []models.PositionSnapshot) {
	c.dispatch(account, c.tracker.Resync(account, snaps, time.Now()))
}

func (c *Controller) dispatch(account string, events []models.PositionChangeEvent) {
	for _, ev := range events {
		metrics.ChangeEvent(account, string(ev.Kind))
		logger.RecordChangeEvent()
		if c.journal != nil {
			c.journal.Record(ev)
		}
		c.aggregator.Ingest(ev)
	}
}
