package calllog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
)

// writeTimeout bounds a single history insert so a stalled database
// cannot pile up goroutines forever.
const writeTimeout = 5 * time.Second

// Journal records every removed call into the history store. The
// registry callback only snapshots the call; the insert happens off the
// work queue so database latency never blocks call processing.
type Journal struct {
	registry.ListenerBase

	store  *Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewJournal wires a journal into the registry's listener chain.
func NewJournal(reg *registry.Registry, store *Store, logger *slog.Logger) *Journal {
	j := &Journal{
		store:  store,
		logger: logger.With("subsystem", "calllog"),
	}
	reg.AddListener(j)
	return j
}

// OnCallRemoved snapshots the call and hands the insert to a writer
// goroutine.
func (j *Journal) OnCallRemoved(c *call.Call) {
	e := entryFor(c)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := j.store.Insert(ctx, &e); err != nil {
			j.logger.Error("failed to record call", "call_id", e.CallID, "error", err)
		}
	}()
}

// Wait blocks until all in-flight history writes finish. Used on
// shutdown and in tests.
func (j *Journal) Wait() {
	j.wg.Wait()
}

func entryFor(c *call.Call) Entry {
	e := Entry{
		CallID:      c.ID,
		Address:     c.Address,
		DisplayName: c.DisplayName,
		Incoming:    c.Incoming,
		Cause:       c.Cause.String(),
		StartTime:   c.CreateTime,
		ConnectTime: c.ConnectTime,
		EndTime:     c.DisconnectTime,
		DurationSec: int64(c.Duration() / time.Second),
	}
	if e.EndTime.IsZero() {
		e.EndTime = time.Now()
	}
	if c.Account != nil {
		e.AccountID = c.Account.ID
	}
	// An incoming call that never connected was missed, unless the user
	// declined it outright.
	e.Missed = c.Incoming && c.ConnectTime.IsZero() && c.Cause != call.CauseRejected
	return e
}
