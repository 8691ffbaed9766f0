package lifecycle

import (
	"context"

	"go.uber.org/zap"
)

// Run delivers queued events to the guest until ctx ends or the instance
// dies. Only one Run should be active per instance.
func (i *Instance) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.done:
			return i.deathError()
		case <-i.mailbox.notify:
		}

		for _, ev := range i.mailbox.drain() {
			if err := i.dispatch(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if i.flag.Dead() {
					return i.deathError()
				}
				i.logger.Warn("event delivery failed",
					zap.Stringer("event", ev.kind), zap.Uint32("connection", ev.conn), zap.Error(err))
			}
		}
	}
}

// dispatch enters the guest for one event. Connection events for ids the
// guest has already reset are dropped.
func (i *Instance) dispatch(ctx context.Context, ev event) error {
	i.callMu.Lock()
	defer i.callMu.Unlock()

	switch ev.kind {
	case eventTimer:
		_, err := i.call(ctx, ExportTimerFinished)
		return err

	case eventAdvance:
		i.advancePending.Store(false)
		_, err := i.call(ctx, ExportAdvanceExecution)
		return err

	case eventOpen:
		if _, ok := i.conns.Get(ev.conn); !ok {
			return nil
		}
		_, err := i.call(ctx, ExportConnectionOpen, uint64(ev.conn), uint64(ev.n))
		return err

	case eventMessage:
		if _, ok := i.conns.Get(ev.conn); !ok {
			return nil
		}
		idx := i.pushBuffer(ev.data)
		defer i.dropBuffer(idx)
		_, err := i.call(ctx, ExportStreamMessage, uint64(ev.conn), uint64(idx))
		return err

	case eventWritable:
		if _, ok := i.conns.Get(ev.conn); !ok {
			return nil
		}
		_, err := i.call(ctx, ExportStreamWritable, uint64(ev.conn), uint64(ev.n))
		return err

	case eventReset:
		conn, ok := i.conns.Remove(ev.conn)
		if !ok {
			return nil
		}
		_ = conn.Close()
		idx := i.pushBuffer([]byte(ev.reason))
		defer i.dropBuffer(idx)
		_, err := i.call(ctx, ExportConnectionReset, uint64(ev.conn), uint64(idx))
		return err
	}
	return nil
}
