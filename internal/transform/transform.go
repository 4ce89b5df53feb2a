// Package transform turns the raw result table into a numeric frame and
// imputes missing ballots from party voting patterns.
package transform

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/classifier"
	"sejm-vote-scraper/internal/table"
)

var ErrReferenceColumn = errors.New("reference column unavailable")

// Policy holds the imputation thresholds.
type Policy struct {
	// MinPartySize is the smallest party for which bulk absence is detected.
	MinPartySize int
	// BulkAbsenceRatio is the share of a party that must be missing, strictly
	// exceeded, for the absence to count as a block.
	BulkAbsenceRatio float64
	BulkAbsenceFill  float64
	// FallbackFill is used when a party has no votes to average.
	FallbackFill float64
}

func DefaultPolicy() Policy {
	return Policy{
		MinPartySize:     6,
		BulkAbsenceRatio: 0.75,
		BulkAbsenceFill:  0,
		FallbackFill:     0.5,
	}
}

type Options struct {
	Policy Policy
	// ReferenceColumn selects the column the label mapping is derived from.
	// Empty means the first column that survives dropping.
	ReferenceColumn string
	// Classifier defaults to frequency-rank mapping.
	Classifier *classifier.Classifier
}

// Frame is the cleaned numeric table. Values is column-major; NaN is missing.
type Frame struct {
	Rows    []table.Key
	Columns []string
	Values  [][]float64
}

func (f *Frame) Column(name string) ([]float64, bool) {
	for i, c := range f.Columns {
		if c == name {
			return f.Values[i], true
		}
	}
	return nil, false
}

// PartyVote is one (party, vote) pair flagged as a bulk absence.
type PartyVote struct {
	Party   string
	Column  string
	Missing int
	Size    int
}

type Report struct {
	Dropped        []string
	Reference      string
	PartySizes     map[string]int
	BulkAbsences   []PartyVote
	BulkFilled     int
	MeanFilled     int
	FallbackFilled int
}

// Transform cleans t. A nil table yields a nil frame.
func Transform(t *table.Table, opts Options) (*Frame, *Report, error) {
	if t == nil {
		return nil, nil, nil
	}
	if opts.Classifier == nil {
		opts.Classifier = classifier.New()
	}
	rep := &Report{PartySizes: map[string]int{}}

	// Any hole before mapping is a parse failure: the whole vote goes.
	var kept []string
	raw := map[string][]string{}
	for _, name := range t.Columns() {
		col, _ := t.Column(name)
		complete := true
		for _, v := range col {
			if strings.TrimSpace(v) == "" {
				complete = false
				break
			}
		}
		if !complete {
			rep.Dropped = append(rep.Dropped, name)
			continue
		}
		kept = append(kept, name)
		raw[name] = col
	}

	f := &Frame{Rows: t.Rows(), Columns: kept, Values: make([][]float64, len(kept))}
	if len(kept) == 0 {
		return f, rep, nil
	}

	ref := opts.ReferenceColumn
	if ref == "" {
		ref = kept[0]
	}
	refCol, ok := raw[ref]
	if !ok {
		return nil, rep, errors.Wrapf(ErrReferenceColumn, "%q missing or dropped", ref)
	}
	rep.Reference = ref
	mapping, err := opts.Classifier.Mapping(refCol)
	if err != nil {
		return nil, rep, errors.Wrapf(err, "reference column %s", ref)
	}
	for c, name := range kept {
		vals := make([]float64, len(f.Rows))
		for r, label := range raw[name] {
			v, err := mapping.Value(strings.TrimSpace(label))
			if err != nil {
				return nil, rep, errors.Wrapf(err, "column %s row %d", name, r)
			}
			vals[r] = v
		}
		f.Values[c] = vals
	}

	parties, members := groupParties(f.Rows)
	for _, p := range parties {
		rep.PartySizes[p] = len(members[p])
	}
	impute(f, parties, members, opts.Policy, rep)
	return f, rep, nil
}

func groupParties(rows []table.Key) ([]string, map[string][]int) {
	var order []string
	members := map[string][]int{}
	for r, k := range rows {
		if _, ok := members[k.Party]; !ok {
			order = append(order, k.Party)
		}
		members[k.Party] = append(members[k.Party], r)
	}
	return order, members
}

func impute(f *Frame, parties []string, members map[string][]int, pol Policy, rep *Report) {
	for c, name := range f.Columns {
		col := f.Values[c]
		for _, p := range parties {
			idx := members[p]
			missing := 0
			for _, r := range idx {
				if math.IsNaN(col[r]) {
					missing++
				}
			}
			if missing == 0 {
				continue
			}
			size := len(idx)

			if size >= pol.MinPartySize && float64(missing) > pol.BulkAbsenceRatio*float64(size) {
				for _, r := range idx {
					if math.IsNaN(col[r]) {
						col[r] = pol.BulkAbsenceFill
						rep.BulkFilled++
					}
				}
				rep.BulkAbsences = append(rep.BulkAbsences, PartyVote{Party: p, Column: name, Missing: missing, Size: size})
				continue
			}

			sum, n := 0.0, 0
			for _, r := range idx {
				if !math.IsNaN(col[r]) {
					sum += col[r]
					n++
				}
			}
			fill := pol.FallbackFill
			if n > 0 {
				fill = math.RoundToEven(sum / float64(n))
			}
			for _, r := range idx {
				if math.IsNaN(col[r]) {
					col[r] = fill
					if n > 0 {
						rep.MeanFilled++
					} else {
						rep.FallbackFilled++
					}
				}
			}
		}
	}
}
