package channel

import (
	"context"
	"errors"

	"github.com/isgasho/wosim/internal/transport"
)

// Pump writes queued frames to tr until the outbox is closed or ctx ends.
// It is the outbox's only consumer while it runs. A send failure is returned
// as is; the transport never retries and neither does the pump. Frames the
// transport refuses as too large are counted and skipped.
func (c *Channel) Pump(ctx context.Context, tr transport.Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := c.send(tr, frame); err != nil {
				return err
			}
		}
	}
}

// Drain writes every frame queued right now to tr and returns. It serves
// callers that drive I/O from the tick goroutine instead of running Pump.
func (c *Channel) Drain(tr transport.Transport) error {
	for {
		select {
		case frame, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := c.send(tr, frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Channel) send(tr transport.Transport, frame []byte) error {
	err := tr.Send(frame)
	if errors.Is(err, transport.ErrTooLarge) {
		c.stats.oversized.Add(1)
		c.log.Debug("frame too large for transport", "bytes", len(frame), "err", err)
		return nil
	}
	return err
}
