package table

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func cells(party string, kv ...string) []Cell {
	var out []Cell
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Cell{Key: Key{Party: party, Member: kv[i]}, Value: kv[i+1]})
	}
	return out
}

func TestAddColumnEstablishesRows(t *testing.T) {
	tb := New()
	j, err := tb.AddColumn("47/1", append(cells("A", "Kowalski", "Za", "Nowak", "Przeciw"), cells("B", "Wiśniewska", "Za")...))
	require.NoError(t, err)
	require.Equal(t, Join{}, j)
	require.Equal(t, 3, tb.Len())

	// different order, joined by key
	j, err = tb.AddColumn("47/2", append(cells("B", "Wiśniewska", "Przeciw"), cells("A", "Nowak", "Za", "Kowalski", "Za")...))
	require.NoError(t, err)
	require.Equal(t, Join{}, j)

	col, _ := tb.Column("47/2")
	require.Equal(t, []string{"Za", "Za", "Przeciw"}, col)
}

func TestAddColumnPartialAndNewRows(t *testing.T) {
	tb := New()
	_, err := tb.AddColumn("1/1", append(cells("A", "x", "Za", "y", "Za"), cells("B", "z", "Za")...))
	require.NoError(t, err)

	// party B page failed: its member stays missing
	j, err := tb.AddColumn("1/2", cells("A", "x", "Przeciw", "y", "Za"))
	require.NoError(t, err)
	require.Equal(t, Join{Missing: 1}, j)
	col, _ := tb.Column("1/2")
	require.Equal(t, []string{"Przeciw", "Za", ""}, col)

	// a party first seen now becomes a row missing in earlier columns
	j, err = tb.AddColumn("1/3", append(cells("A", "x", "Za", "y", "Za"), cells("C", "q", "Za")...))
	require.NoError(t, err)
	require.Equal(t, Join{Missing: 1, Added: 1}, j)
	require.Equal(t, Key{Party: "C", Member: "q"}, tb.Rows()[3])
	col, _ = tb.Column("1/1")
	require.Equal(t, []string{"Za", "Za", "Za", ""}, col)
	col, _ = tb.Column("1/3")
	require.Equal(t, []string{"Za", "Za", "", "Za"}, col)

	_, err = tb.AddColumn("1/4", cells("A", "x", "Za", "x", "Za"))
	require.True(t, errors.Is(err, ErrDuplicateKey))

	_, err = tb.AddColumn("1/2", cells("A", "x", "Za"))
	require.True(t, errors.Is(err, ErrDuplicateColumn))

	_, err = tb.AddColumn("1/5", nil)
	require.True(t, errors.Is(err, ErrEmptyColumn))
	require.Equal(t, 3, tb.Width())
	require.Equal(t, 4, tb.Len())
}

func TestConcat(t *testing.T) {
	a := New()
	_, _ = a.AddColumn("1/1", cells("A", "x", "Za", "y", "Przeciw"))
	_, _ = a.AddColumn("1/2", cells("A", "x", "Za", "y", "Za"))

	b := New()
	_, _ = b.AddColumn("1/2", cells("A", "y", "Za", "x", "Za"))
	_, _ = b.AddColumn("1/3", cells("A", "y", "Nieobecny", "x", "Za"))

	out, rep := Concat(a, nil, b)
	require.Equal(t, []string{"1/1", "1/2", "1/3"}, out.Columns())
	require.Equal(t, []string{"1/2"}, rep.SkippedColumns)
	require.Zero(t, rep.AddedRows)

	want := map[string][]string{
		"1/1": {"Za", "Przeciw"},
		"1/2": {"Za", "Za"},
		"1/3": {"Za", "Nieobecny"},
	}
	got := map[string][]string{}
	for _, c := range out.Columns() {
		got[c], _ = out.Column(c)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("concat mismatch (-want +got):\n%s", diff)
	}
}

func TestConcatNewRows(t *testing.T) {
	a := New()
	_, _ = a.AddColumn("1/1", cells("A", "x", "Za"))
	b := New()
	_, _ = b.AddColumn("1/2", cells("A", "x", "Za", "y", "Za"))

	out, rep := Concat(a, b)
	require.Equal(t, 1, rep.AddedRows)
	col, _ := out.Column("1/1")
	require.Equal(t, []string{"Za", ""}, col)
}

func TestConcatConflictKeepsFullerColumn(t *testing.T) {
	// first pass lost party B, the rerun got everything
	partial := New()
	_, _ = partial.AddColumn("1/1", cells("A", "x", "Za"))
	full := New()
	_, _ = full.AddColumn("1/1", append(cells("A", "x", "Przeciw"), cells("B", "z", "Za")...))

	out, rep := Concat(partial, full)
	require.Equal(t, []string{"1/1"}, rep.Conflicts)
	col, _ := out.Column("1/1")
	require.Equal(t, []string{"Przeciw", "Za"}, col)

	// the fuller copy wins whichever shard it is in
	out, rep = Concat(full, partial)
	require.Equal(t, []string{"1/1"}, rep.Conflicts)
	col, _ = out.Column("1/1")
	require.Equal(t, []string{"Przeciw", "Za"}, col)

	// equal counts: the later shard wins
	later := New()
	_, _ = later.AddColumn("1/1", cells("A", "x", "Wstrzymał się"))
	out, _ = Concat(partial, later)
	col, _ = out.Column("1/1")
	require.Equal(t, []string{"Wstrzymał się"}, col)
}

func TestBuild(t *testing.T) {
	rows := []Key{{"A", "x"}, {"A", "y"}}
	tb, err := Build(rows, []string{"1/1"}, [][]string{{"Za", ""}})
	require.NoError(t, err)
	require.Equal(t, []Cell{{Key: Key{"A", "x"}, Value: "Za"}}, tb.Cells("1/1"))

	_, err = Build(rows, []string{"1/1"}, [][]string{{"Za"}})
	require.Error(t, err)
	_, err = Build([]Key{{"A", "x"}, {"A", "x"}}, nil, nil)
	require.True(t, errors.Is(err, ErrDuplicateKey))
}
