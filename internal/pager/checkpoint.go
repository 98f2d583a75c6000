package pager

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Checkpointer periodically flushes a Pager's file-system state on a cron
// schedule, so long-lived read-mostly connections still bound the amount
// of unsynced state the OS may buffer. It never interferes with an active
// write transaction: Pager.Checkpoint is a no-op while one is open.
type Checkpointer struct {
	c     *cron.Cron
	pager *Pager
	onErr func(error)
}

// NewCheckpointer schedules p.Checkpoint on schedule, a cron expression
// with a seconds field ("*/30 * * * * *" checkpoints every 30 seconds).
// onErr, if non-nil, receives checkpoint failures; they are otherwise
// dropped, since a later checkpoint or commit will retry the sync.
func NewCheckpointer(p *Pager, schedule string, onErr func(error)) (*Checkpointer, error) {
	cp := &Checkpointer{
		c:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		pager: p,
		onErr: onErr,
	}
	if _, err := cp.c.AddFunc(schedule, cp.run); err != nil {
		return nil, err
	}
	return cp, nil
}

func (cp *Checkpointer) run() {
	if err := cp.pager.Checkpoint(); err != nil && cp.onErr != nil {
		cp.onErr(err)
	}
}

// Start begins running the schedule in a background goroutine.
func (cp *Checkpointer) Start() { cp.c.Start() }

// Stop halts the schedule, waiting for an in-flight checkpoint to finish.
func (cp *Checkpointer) Stop() {
	ctx := cp.c.Stop()
	<-ctx.Done()
}
