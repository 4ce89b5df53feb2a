// Package collector walks the vote list, fetching per-party ballots for each
// vote into a result table. Progress is saved after every vote so an
// interrupted or throttled crawl resumes where it stopped.
package collector

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/checkpoint"
	"sejm-vote-scraper/internal/models"
	"sejm-vote-scraper/internal/table"
	"sejm-vote-scraper/pkg/logger"
)

// Source fetches the pages behind a vote. *sejm.Client implements it.
type Source interface {
	Parties(ctx context.Context, v models.Vote) ([]models.PartyLink, error)
	Ballots(ctx context.Context, p models.PartyLink) ([]models.MemberBallot, error)
}

// ShardWriter persists the table collected so far by this invocation.
type ShardWriter interface {
	WriteTable(t *table.Table) error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Policy struct {
	// MaxConsecutiveFailures vote pages failing back to back end the batch.
	MaxConsecutiveFailures int
}

func DefaultPolicy() Policy { return Policy{MaxConsecutiveFailures: 5} }

type Options struct {
	// Interval is the pause before every request.
	Interval time.Duration
	Policy   Policy
	// Shard may be nil, then nothing but the checkpoint is persisted.
	Shard ShardWriter
	Sleep SleepFunc
	Log   *logger.Logger
}

type Collector struct {
	src   Source
	store checkpoint.Store
	opts  Options
	log   *logger.Logger
}

func New(src Source, store checkpoint.Store, opts Options) *Collector {
	if opts.Sleep == nil {
		opts.Sleep = ContextSleep
	}
	if opts.Policy.MaxConsecutiveFailures <= 0 {
		opts.Policy = DefaultPolicy()
	}
	l := opts.Log
	if l == nil {
		l = logger.Nop()
	}
	return &Collector{src: src, store: store, opts: opts, log: l}
}

// Range bounds a batch. Nil Start resumes from the checkpoint; nil Stop runs
// to the end of the vote list.
type Range struct {
	Start *int
	Stop  *int
}

func Index(i int) *int { return &i }

type Result struct {
	// Table is nil when nothing was collected.
	Table      *table.Table
	Checkpoint checkpoint.State
	Start      int
	Stop       int
	// Failed lists vote indices whose pages could not be used.
	Failed []int
	// Halted is set when the batch stopped on consecutive failures.
	Halted bool
	// AlreadyDone is set when the checkpoint was already terminal.
	AlreadyDone bool

	saved bool
	floor *checkpoint.State
}

// Collect processes votes[start:stop]. Transient fetch failures never surface
// as errors; only checkpoint/shard persistence problems and context
// cancellation do. On error the returned Result still holds whatever was
// collected.
func (c *Collector) Collect(ctx context.Context, votes []models.Vote, rng Range) (*Result, error) {
	res := &Result{}

	start := 0
	if rng.Start != nil {
		start = *rng.Start
		// the stored checkpoint is never moved back by an explicit range
		st, ok, err := c.store.Load()
		switch {
		case err != nil:
			c.log.Warnf("ignoring unreadable status, it will be overwritten: %v", err)
		case ok:
			res.floor = &st
		}
	} else {
		c.log.Infof("start value not given, loading the current status")
		st, ok, err := c.store.Load()
		if err != nil {
			return res, err
		}
		switch {
		case ok && st.Done:
			c.log.Infof("all data has already been collected")
			res.Checkpoint = st
			res.AlreadyDone = true
			return res, nil
		case ok:
			start = st.Next
			c.log.Infof("current status: %d", start)
		default:
			c.log.Infof("no status saved yet, starting from the beginning")
		}
	}

	stop := len(votes)
	if rng.Stop != nil && *rng.Stop < stop {
		stop = *rng.Stop
	} else if rng.Stop == nil {
		c.log.Infof("stop value not given, collecting all %d votes", stop)
	}
	if start < 0 || start > stop {
		return res, errors.Newf("invalid range [%d, %d) for %d votes", start, stop, len(votes))
	}
	res.Start, res.Stop = start, stop

	tbl := table.New()
	done := func() *Result {
		if !tbl.Empty() {
			res.Table = tbl
		}
		return res
	}

	runStart, runLen := 0, 0
	for i := start; i < stop; i++ {
		v := votes[i]
		if err := c.opts.Sleep(ctx, c.opts.Interval); err != nil {
			return done(), err
		}

		vlog := c.log.With("vote", v.Column(), "index", i)
		cells, err := c.collectVote(ctx, vlog, v)
		if ctx.Err() != nil {
			return done(), ctx.Err()
		}
		if err == nil && len(cells) == 0 {
			vlog.Warnf("vote produced no rows, skipping")
		} else if err == nil {
			var j table.Join
			j, err = tbl.AddColumn(v.Column(), cells)
			if err == nil && j.Missing > 0 {
				vlog.Warnf("%d members without a result", j.Missing)
			}
			if err == nil && j.Added > 0 {
				vlog.Warnf("%d members not seen in earlier votes of this batch", j.Added)
			}
			if err == nil && c.opts.Shard != nil {
				if werr := c.opts.Shard.WriteTable(tbl); werr != nil {
					return done(), errors.Wrap(werr, "write shard")
				}
			}
		}

		if err != nil {
			vlog.Errorf("problem with vote page %s: %v", v.VoteURL, err)
			if runLen == 0 {
				runStart = i
			}
			runLen++
			res.Failed = append(res.Failed, i)
			if err := c.save(res, checkpoint.At(runStart)); err != nil {
				return done(), err
			}
			if runLen >= c.opts.Policy.MaxConsecutiveFailures {
				c.log.Errorf("%d consecutive votes failed, stopping at %d", runLen, runStart)
				res.Halted = true
				return done(), nil
			}
			continue
		}

		runLen = 0
		if err := c.save(res, checkpoint.At(i+1)); err != nil {
			return done(), err
		}
		vlog.Infof("vote %d/%d collected", i+1, len(votes))
	}

	final := checkpoint.At(stop)
	if stop == len(votes) {
		final = checkpoint.Finished()
		c.log.Infof("all done")
	}
	if len(res.Failed) > 0 {
		c.log.Warnf("%d votes failed and were passed over: %v", len(res.Failed), res.Failed)
	}
	if err := c.save(res, final); err != nil {
		return done(), err
	}
	return done(), nil
}

func (c *Collector) save(res *Result, s checkpoint.State) error {
	if res.floor != nil && s.Before(*res.floor) {
		res.Checkpoint = *res.floor
		return nil
	}
	if res.saved && s.Before(res.Checkpoint) {
		return errors.AssertionFailedf("checkpoint moving back from %s to %s", res.Checkpoint, s)
	}
	if err := c.store.Save(s); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	res.Checkpoint = s
	res.saved = true
	return nil
}

// collectVote fetches the vote page and then each party's results. Only a
// vote page failure is returned; a failed party is logged and left out.
func (c *Collector) collectVote(ctx context.Context, vlog *logger.Logger, v models.Vote) ([]table.Cell, error) {
	parties, err := c.src.Parties(ctx, v)
	if err != nil {
		return nil, err
	}
	var cells []table.Cell
	for _, p := range parties {
		if err := c.opts.Sleep(ctx, c.opts.Interval); err != nil {
			return nil, err
		}
		ballots, err := c.src.Ballots(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			vlog.Errorf("problem with party %s (%s): %v", p.Name, p.URL, err)
			continue
		}
		for _, b := range ballots {
			cells = append(cells, table.Cell{
				Key:   table.Key{Party: p.Name, Member: b.Member},
				Value: b.Outcome,
			})
		}
	}
	return cells, nil
}
