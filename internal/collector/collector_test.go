package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"sejm-vote-scraper/internal/checkpoint"
	"sejm-vote-scraper/internal/models"
	"sejm-vote-scraper/internal/table"
)

var errDown = errors.New("connection reset")

// fakeSource serves n votes, each with parties A (two members) and B (one).
type fakeSource struct {
	// failures per vote index; a negative count fails forever
	voteFailures    map[int]int
	partyFailures   map[string]bool // "<vote>/<party>"
	extraParty      map[int]bool
	// party B lists b1 twice
	duplicateMember map[int]bool
	voteCalls       []int
	ballotCalls     int
}

func votes(n int) []models.Vote {
	out := make([]models.Vote, n)
	for i := range out {
		out[i] = models.Vote{SessionNo: "1", VoteNo: fmt.Sprint(i), VoteURL: fmt.Sprintf("vote/%d", i)}
	}
	return out
}

func (f *fakeSource) Parties(_ context.Context, v models.Vote) ([]models.PartyLink, error) {
	var i int
	fmt.Sscanf(v.VoteURL, "vote/%d", &i)
	f.voteCalls = append(f.voteCalls, i)
	if n, ok := f.voteFailures[i]; ok && n != 0 {
		if n > 0 {
			f.voteFailures[i] = n - 1
		}
		return nil, errDown
	}
	parties := []models.PartyLink{
		{Name: "A", URL: fmt.Sprintf("%d/A", i)},
		{Name: "B", URL: fmt.Sprintf("%d/B", i)},
	}
	if f.extraParty[i] {
		parties = append(parties, models.PartyLink{Name: "C", URL: fmt.Sprintf("%d/C", i)})
	}
	return parties, nil
}

func (f *fakeSource) Ballots(_ context.Context, p models.PartyLink) ([]models.MemberBallot, error) {
	f.ballotCalls++
	if f.partyFailures[p.URL] {
		return nil, errDown
	}
	var i int
	fmt.Sscanf(p.URL, "%d/", &i)
	outcome := func(j int) string {
		if (i+j)%3 == 0 {
			return "Przeciw"
		}
		return "Za"
	}
	switch p.Name {
	case "A":
		return []models.MemberBallot{{Member: "a1", Outcome: outcome(1)}, {Member: "a2", Outcome: outcome(2)}}, nil
	case "B":
		if f.duplicateMember[i] {
			return []models.MemberBallot{{Member: "b1", Outcome: "Za"}, {Member: "b1", Outcome: "Za"}}, nil
		}
		return []models.MemberBallot{{Member: "b1", Outcome: outcome(3)}}, nil
	default:
		return []models.MemberBallot{{Member: "c1", Outcome: "Za"}}, nil
	}
}

type sleepCounter struct{ n int }

func (s *sleepCounter) sleep(ctx context.Context, _ time.Duration) error {
	s.n++
	return ctx.Err()
}

type recordingShard struct {
	widths []int
}

func (r *recordingShard) WriteTable(t *table.Table) error {
	r.widths = append(r.widths, t.Width())
	return nil
}

func newCollector(src Source, store checkpoint.Store, s *sleepCounter, shard ShardWriter) *Collector {
	return New(src, store, Options{
		Interval: time.Second,
		Policy:   DefaultPolicy(),
		Sleep:    s.sleep,
		Shard:    shard,
	})
}

func requireMonotonic(t *testing.T, history []checkpoint.State) {
	t.Helper()
	for i := 1; i < len(history); i++ {
		require.False(t, history[i].Before(history[i-1]), "checkpoint went back: %v", history)
	}
}

func TestCollectAll(t *testing.T) {
	src := &fakeSource{}
	store := &checkpoint.MemoryStore{}
	sleeps := &sleepCounter{}
	shard := &recordingShard{}

	res, err := newCollector(src, store, sleeps, shard).Collect(context.Background(), votes(8), Range{})
	require.NoError(t, err)
	require.Equal(t, checkpoint.Finished(), res.Checkpoint)
	require.Equal(t, 8, res.Table.Width())
	require.Equal(t, 3, res.Table.Len())
	require.Empty(t, res.Failed)

	// one pause before the vote page and one before each party page
	require.Equal(t, 8*3, sleeps.n)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, shard.widths)
	requireMonotonic(t, store.History)

	require.Equal(t, []table.Key{{Party: "A", Member: "a1"}, {Party: "A", Member: "a2"}, {Party: "B", Member: "b1"}}, res.Table.Rows())
	col, _ := res.Table.Column("1/2")
	require.Equal(t, "Przeciw", col[0])
}

func TestFiveConsecutiveFailuresHalt(t *testing.T) {
	src := &fakeSource{voteFailures: map[int]int{10: -1, 11: -1, 12: -1, 13: -1, 14: -1}}
	store := &checkpoint.MemoryStore{}

	res, err := newCollector(src, store, &sleepCounter{}, nil).Collect(context.Background(), votes(20), Range{})
	require.NoError(t, err)
	require.True(t, res.Halted)
	require.Equal(t, checkpoint.At(10), res.Checkpoint)
	require.Equal(t, []int{10, 11, 12, 13, 14}, res.Failed)
	require.Equal(t, 10, res.Table.Width())
	require.Equal(t, 14, src.voteCalls[len(src.voteCalls)-1], "nothing past the failing run is fetched")

	s, _, _ := store.Load()
	require.Equal(t, checkpoint.At(10), s)
	requireMonotonic(t, store.History)
}

func TestNonConsecutiveFailuresContinue(t *testing.T) {
	src := &fakeSource{voteFailures: map[int]int{10: -1, 11: -1, 13: -1, 14: -1}}
	store := &checkpoint.MemoryStore{}

	res, err := newCollector(src, store, &sleepCounter{}, nil).Collect(context.Background(), votes(20), Range{})
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.Equal(t, checkpoint.Finished(), res.Checkpoint)
	require.Equal(t, []int{10, 11, 13, 14}, res.Failed)
	require.Equal(t, 16, res.Table.Width())
	require.Contains(t, src.voteCalls, 19)
	requireMonotonic(t, store.History)
}

func TestTerminalSentinel(t *testing.T) {
	src := &fakeSource{}
	store := &checkpoint.MemoryStore{}
	require.NoError(t, store.Save(checkpoint.Finished()))
	sleeps := &sleepCounter{}

	res, err := newCollector(src, store, sleeps, nil).Collect(context.Background(), votes(5), Range{})
	require.NoError(t, err)
	require.True(t, res.AlreadyDone)
	require.Nil(t, res.Table)
	require.Empty(t, src.voteCalls)
	require.Zero(t, src.ballotCalls)
	require.Zero(t, sleeps.n)
}

func TestNothingAccumulated(t *testing.T) {
	src := &fakeSource{voteFailures: map[int]int{0: -1, 1: -1, 2: -1, 3: -1, 4: -1}}
	store := &checkpoint.MemoryStore{}

	res, err := newCollector(src, store, &sleepCounter{}, nil).Collect(context.Background(), votes(9), Range{})
	require.NoError(t, err)
	require.True(t, res.Halted)
	require.Nil(t, res.Table)
	require.Equal(t, checkpoint.At(0), res.Checkpoint)
}

func tablesEqual(t *testing.T, want, got *table.Table) {
	t.Helper()
	require.Equal(t, want.Columns(), got.Columns())
	dump := func(tb *table.Table) map[string][]table.Cell {
		out := map[string][]table.Cell{}
		for _, c := range tb.Columns() {
			out[c] = tb.Cells(c)
		}
		return out
	}
	if diff := cmp.Diff(dump(want), dump(got)); diff != "" {
		t.Fatalf("tables differ (-want +got):\n%s", diff)
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	all := votes(15)

	full, err := newCollector(&fakeSource{}, &checkpoint.MemoryStore{}, &sleepCounter{}, nil).
		Collect(context.Background(), all, Range{})
	require.NoError(t, err)

	// votes 3..7 are down during the first call only
	flaky := &fakeSource{voteFailures: map[int]int{3: 1, 4: 1, 5: 1, 6: 1, 7: 1}}
	store := &checkpoint.MemoryStore{}
	c := newCollector(flaky, store, &sleepCounter{}, nil)

	var shards []*table.Table
	for calls := 0; ; calls++ {
		require.Less(t, calls, 5)
		res, err := c.Collect(context.Background(), all, Range{})
		require.NoError(t, err)
		if res.AlreadyDone {
			break
		}
		shards = append(shards, res.Table)
	}
	require.Len(t, shards, 2)
	require.Equal(t, 3, shards[0].Width())

	joined, _ := table.Concat(shards...)
	tablesEqual(t, full.Table, joined)
	requireMonotonic(t, store.History)
}

func TestExplicitStopThenResume(t *testing.T) {
	all := votes(10)
	store := &checkpoint.MemoryStore{}
	c := newCollector(&fakeSource{}, store, &sleepCounter{}, nil)

	first, err := c.Collect(context.Background(), all, Range{Stop: Index(4)})
	require.NoError(t, err)
	require.Equal(t, checkpoint.At(4), first.Checkpoint)

	second, err := c.Collect(context.Background(), all, Range{})
	require.NoError(t, err)
	require.Equal(t, 4, second.Start)
	require.Equal(t, checkpoint.Finished(), second.Checkpoint)

	full, err := newCollector(&fakeSource{}, &checkpoint.MemoryStore{}, &sleepCounter{}, nil).
		Collect(context.Background(), all, Range{})
	require.NoError(t, err)
	joined, _ := table.Concat(first.Table, second.Table)
	tablesEqual(t, full.Table, joined)
}

func TestExplicitStartOverridesCheckpoint(t *testing.T) {
	store := &checkpoint.MemoryStore{}
	require.NoError(t, store.Save(checkpoint.Finished()))
	src := &fakeSource{}

	res, err := newCollector(src, store, &sleepCounter{}, nil).
		Collect(context.Background(), votes(6), Range{Start: Index(4)})
	require.NoError(t, err)
	require.Equal(t, []int{4, 5}, src.voteCalls)
	require.Equal(t, 2, res.Table.Width())
	require.Equal(t, checkpoint.Finished(), res.Checkpoint)
	for _, h := range store.History {
		require.True(t, h.Done, "history %v", store.History)
	}

	_, err = newCollector(src, store, &sleepCounter{}, nil).
		Collect(context.Background(), votes(6), Range{Start: Index(5), Stop: Index(2)})
	require.Error(t, err)
}

func TestExplicitRangeBehindCheckpoint(t *testing.T) {
	store := &checkpoint.MemoryStore{}
	require.NoError(t, store.Save(checkpoint.At(8)))

	res, err := newCollector(&fakeSource{}, store, &sleepCounter{}, nil).
		Collect(context.Background(), votes(10), Range{Start: Index(1), Stop: Index(3)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Table.Width())
	require.Equal(t, checkpoint.At(8), res.Checkpoint)
	s, _, _ := store.Load()
	require.Equal(t, checkpoint.At(8), s)

	// past the stored value it advances as usual
	res, err = newCollector(&fakeSource{}, store, &sleepCounter{}, nil).
		Collect(context.Background(), votes(10), Range{Start: Index(7)})
	require.NoError(t, err)
	require.Equal(t, checkpoint.Finished(), res.Checkpoint)
	requireMonotonic(t, store.History)
}

func TestPartyFailureKeepsVote(t *testing.T) {
	src := &fakeSource{partyFailures: map[string]bool{"2/B": true}}
	res, err := newCollector(src, &checkpoint.MemoryStore{}, &sleepCounter{}, nil).
		Collect(context.Background(), votes(4), Range{})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Equal(t, 4, res.Table.Width())

	col, _ := res.Table.Column("1/2")
	require.Equal(t, "", col[2], "b1 has no result for the vote")
	require.NotEqual(t, "", col[0])
}

func TestPartyFailureOnFirstVoteDoesNotHalt(t *testing.T) {
	src := &fakeSource{partyFailures: map[string]bool{"0/B": true}}
	store := &checkpoint.MemoryStore{}
	res, err := newCollector(src, store, &sleepCounter{}, nil).
		Collect(context.Background(), votes(12), Range{})
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.Empty(t, res.Failed)
	require.Equal(t, checkpoint.Finished(), res.Checkpoint)
	require.Equal(t, 12, res.Table.Width())
	requireMonotonic(t, store.History)

	// b1 joins as a row on vote 1 and is missing only in vote 0
	require.Equal(t, table.Key{Party: "B", Member: "b1"}, res.Table.Rows()[2])
	col, _ := res.Table.Column("1/0")
	require.Equal(t, "", col[2])
	col, _ = res.Table.Column("1/1")
	require.NotEqual(t, "", col[2])
}

func TestNewPartyMidBatchAddsRows(t *testing.T) {
	src := &fakeSource{extraParty: map[int]bool{1: true}}
	res, err := newCollector(src, &checkpoint.MemoryStore{}, &sleepCounter{}, nil).
		Collect(context.Background(), votes(3), Range{})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Equal(t, []string{"1/0", "1/1", "1/2"}, res.Table.Columns())
	require.Equal(t, 4, res.Table.Len())

	for name, want := range map[string]string{"1/0": "", "1/1": "Za", "1/2": ""} {
		col, _ := res.Table.Column(name)
		require.Equal(t, want, col[3], name)
	}
}

func TestDuplicateMemberCountsAsFailure(t *testing.T) {
	src := &fakeSource{duplicateMember: map[int]bool{1: true}}
	res, err := newCollector(src, &checkpoint.MemoryStore{}, &sleepCounter{}, nil).
		Collect(context.Background(), votes(3), Range{})
	require.NoError(t, err)
	require.Equal(t, []int{1}, res.Failed)
	require.Equal(t, []string{"1/0", "1/2"}, res.Table.Columns())
}

func TestCancelKeepsProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &checkpoint.MemoryStore{}
	calls := 0
	c := New(&fakeSource{}, store, Options{
		Sleep: func(ctx context.Context, _ time.Duration) error {
			calls++
			// third vote page pause: votes 0 and 1 are complete
			if calls == 7 {
				cancel()
			}
			return ctx.Err()
		},
	})

	res, err := c.Collect(ctx, votes(5), Range{})
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, checkpoint.At(2), res.Checkpoint)
	require.Equal(t, 2, res.Table.Width())
}
