// Package pipeline wires enumeration, collection, combining and transforming
// over the files in the data directory.
package pipeline

import (
	"cmp"
	"context"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/checkpoint"
	"sejm-vote-scraper/internal/collector"
	"sejm-vote-scraper/internal/config"
	"sejm-vote-scraper/internal/crawler"
	"sejm-vote-scraper/internal/ioformats"
	"sejm-vote-scraper/internal/models"
	"sejm-vote-scraper/internal/sejm"
	"sejm-vote-scraper/internal/store"
	"sejm-vote-scraper/internal/table"
	"sejm-vote-scraper/internal/transform"
	"sejm-vote-scraper/pkg/logger"
)

// ErrNoShards means there is nothing collected to combine yet.
var ErrNoShards = errors.New("no result shards")

// Enumerator lists votes. *sejm.Client implements it.
type Enumerator interface {
	Sessions(ctx context.Context, year int) ([]models.Session, error)
	Votes(ctx context.Context, sessions []models.Session) ([]models.Vote, error)
}

// Site is what the pipeline needs from the remote website.
type Site interface {
	Enumerator
	collector.Source
}

type Pipeline struct {
	cfg         *config.Config
	log         *logger.Logger
	site        Site
	checkpoints checkpoint.Store
	shards      ioformats.Shards
	sleep       collector.SleepFunc
}

// New builds a pipeline against the live site.
func New(cfg *config.Config, l *logger.Logger) (*Pipeline, error) {
	client := crawler.NewHTTPClient(cfg.HTTP.Timeout, cfg.HTTP.DialTimeout, cfg.HTTP.SizeCap)
	site, err := sejm.NewClient(client, cfg.Home, cfg.Term, l)
	if err != nil {
		return nil, err
	}
	return NewWithSite(cfg, l, site), nil
}

// NewWithSite builds a pipeline over any Site.
func NewWithSite(cfg *config.Config, l *logger.Logger, site Site) *Pipeline {
	if l == nil {
		l = logger.Nop()
	}
	return &Pipeline{
		cfg:         cfg,
		log:         l,
		site:        site,
		checkpoints: checkpoint.NewFileStore(cfg.StatusPath()),
		shards:      ioformats.NewShards(cfg.DataDir),
		sleep:       collector.ContextSleep,
	}
}

// SetSleep replaces the politeness delay, e.g. in tests.
func (p *Pipeline) SetSleep(fn collector.SleepFunc) { p.sleep = fn }

// Votes returns the cached vote list, enumerating and caching it on first
// use.
func (p *Pipeline) Votes(ctx context.Context) ([]models.Vote, error) {
	path := p.cfg.VotesPath()
	if _, err := os.Stat(path); err == nil {
		return ioformats.ReadVotes(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "stat vote cache")
	}
	p.log.Infof("no vote list at %s, enumerating sittings of %d", path, p.cfg.Year)
	return p.Enumerate(ctx)
}

// Enumerate fetches sittings and votes and rewrites the cache.
func (p *Pipeline) Enumerate(ctx context.Context) ([]models.Vote, error) {
	sessions, err := p.site.Sessions(ctx, p.cfg.Year)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate sittings")
	}
	votes, err := p.site.Votes(ctx, sessions)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate votes")
	}
	if err := ioformats.WriteVotes(p.cfg.VotesPath(), votes); err != nil {
		return nil, err
	}
	p.log.Infof("cached %d votes from %d sittings", len(votes), len(sessions))
	return votes, nil
}

// Collect runs one batch into a fresh shard file.
func (p *Pipeline) Collect(ctx context.Context, rng collector.Range) (*collector.Result, error) {
	votes, err := p.Votes(ctx)
	if err != nil {
		return nil, err
	}
	shard, err := p.shards.Next()
	if err != nil {
		return nil, err
	}
	c := collector.New(p.site, p.checkpoints, collector.Options{
		Interval: p.cfg.SleepInterval,
		Policy:   p.cfg.CollectorPolicy(),
		Shard:    shard,
		Sleep:    p.sleep,
		Log:      p.log,
	})
	res, err := c.Collect(ctx, votes, rng)
	if res != nil && res.Table != nil {
		p.log.Infof("batch [%d, %d) saved to %s: %d votes, checkpoint %s",
			res.Start, res.Stop, shard.Path, res.Table.Width(), res.Checkpoint)
	}
	if res != nil {
		if ferr := p.recordFailures(votes, res); ferr != nil && err == nil {
			err = ferr
		}
	}
	return res, err
}

// recordFailures keeps the list of passed-over votes current: votes that
// failed in this batch are added, votes it collected are removed.
func (p *Pipeline) recordFailures(votes []models.Vote, res *collector.Result) error {
	path := p.cfg.FailedPath()
	prev, err := ioformats.ReadFailed(path)
	if err != nil {
		return err
	}
	if len(prev) == 0 && len(res.Failed) == 0 {
		return nil
	}
	byIndex := map[int]models.FailedVote{}
	for _, f := range prev {
		if res.Table != nil && res.Table.HasColumn(f.Column) {
			continue
		}
		byIndex[f.Index] = f
	}
	for _, i := range res.Failed {
		byIndex[i] = models.FailedVote{Index: i, Column: votes[i].Column(), URL: votes[i].VoteURL}
	}
	out := slices.SortedFunc(maps.Values(byIndex), func(a, b models.FailedVote) int {
		return cmp.Compare(a.Index, b.Index)
	})
	if len(out) > 0 {
		p.log.Warnf("%d votes are still missing; collect them with --start i --stop i+1", len(out))
	}
	return ioformats.WriteFailed(path, out)
}

// Combine concatenates all shards into the final results file.
func (p *Pipeline) Combine() (*table.Table, error) {
	shards, err := p.shards.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, ErrNoShards
	}
	t, rep := table.Concat(shards...)
	if rep.AddedRows > 0 {
		p.log.Warnf("%d members appear only in later shards; their earlier votes are missing", rep.AddedRows)
	}
	if len(rep.SkippedColumns) > 0 {
		p.log.Infof("%d votes were collected twice, keeping one copy", len(rep.SkippedColumns))
	}
	for _, name := range rep.Conflicts {
		p.log.Warnf("vote %s differs between shards, keeping the copy with more results", name)
	}
	if err := ioformats.WriteTable(p.cfg.FinalPath(), t); err != nil {
		return nil, err
	}
	p.log.Infof("combined %d shards into %s: %d members x %d votes", len(shards), p.cfg.FinalPath(), t.Len(), t.Width())
	return t, nil
}

// Transform cleans the final results file and writes the transformed one.
func (p *Pipeline) Transform() (*transform.Frame, *transform.Report, error) {
	t, err := ioformats.ReadTable(p.cfg.FinalPath())
	if err != nil {
		return nil, nil, err
	}
	opts, err := p.cfg.TransformOptions()
	if err != nil {
		return nil, nil, err
	}
	f, rep, err := transform.Transform(t, opts)
	if err != nil {
		return nil, rep, err
	}
	if err := ioformats.WriteFrame(p.cfg.TransformedPath(), f); err != nil {
		return nil, rep, err
	}
	p.log.Infof("dropped %d votes with parse errors; filled %d block absences, %d by party mean, %d neutral",
		len(rep.Dropped), rep.BulkFilled, rep.MeanFilled, rep.FallbackFilled)
	return f, rep, nil
}

// Export writes the vote list and the transformed results to SQLite.
func (p *Pipeline) Export(ctx context.Context, dbPath string) error {
	votes, err := p.Votes(ctx)
	if err != nil {
		return err
	}
	f, _, err := p.Transform()
	if err != nil {
		return err
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.SaveVotes(ctx, votes); err != nil {
		return err
	}
	if err := s.SaveFrame(ctx, f); err != nil {
		return err
	}
	p.log.Infof("exported %d votes and %d members to %s", len(f.Columns), len(f.Rows), dbPath)
	return nil
}

// Run is the whole pipeline: enumerate if needed, collect a batch, then
// combine and transform whatever has been collected so far.
func (p *Pipeline) Run(ctx context.Context) (*Status, error) {
	res, err := p.Collect(ctx, p.cfg.Range())
	if err != nil {
		return nil, err
	}
	if res.Halted {
		p.log.Warnf("batch stopped early, rerun to resume from %s", res.Checkpoint)
	}
	if _, err := p.Combine(); err != nil {
		if errors.Is(err, ErrNoShards) {
			p.log.Warnf("nothing collected yet")
			return p.Status()
		}
		return nil, err
	}
	if _, _, err := p.Transform(); err != nil {
		return nil, err
	}
	return p.Status()
}

// Status is the externally visible progress, including the done signal.
type Status struct {
	Checkpoint string   `json:"checkpoint"`
	Started    bool     `json:"started"`
	Done       bool     `json:"done"`
	Votes      int      `json:"votes"`
	Shards     []string `json:"shards"`
	// Failed are votes passed over by finished batches.
	Failed []models.FailedVote `json:"failed"`
}

func (p *Pipeline) Status() (*Status, error) {
	st := &Status{Checkpoint: checkpoint.At(0).String()}
	s, ok, err := p.checkpoints.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		st.Started = true
		st.Done = s.Done
		st.Checkpoint = s.String()
	}
	if _, err := os.Stat(p.cfg.VotesPath()); err == nil {
		votes, err := ioformats.ReadVotes(p.cfg.VotesPath())
		if err != nil {
			return nil, err
		}
		st.Votes = len(votes)
	}
	if st.Shards, err = p.shards.List(); err != nil {
		return nil, err
	}
	if st.Failed, err = ioformats.ReadFailed(p.cfg.FailedPath()); err != nil {
		return nil, err
	}
	return st, nil
}

// Schedule repeats Run every interval until the checkpoint is terminal, then
// returns. This replaces an external cron entry that must be removed once
// everything is collected.
func (p *Pipeline) Schedule(ctx context.Context, every time.Duration) (*Status, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := p.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			p.log.Errorf("scheduled run failed: %v", err)
		} else if st.Done {
			p.log.Infof("collection finished, schedule stopped")
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
