package classifier

import (
	"math"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/models"
)

var (
	// ErrOutcomeDrift means the reference column does not hold exactly the
	// expected number of distinct labels.
	ErrOutcomeDrift = errors.New("outcome labels drifted")
	ErrUnknownLabel = errors.New("unknown outcome label")
	ErrBadOrder     = errors.New("outcome order must name each outcome once")
)

// DefaultOrder maps frequency ranks to outcomes: the most common label is
// "for", then "against", "abstain", and the rarest is "absent".
var DefaultOrder = []models.Outcome{models.For, models.Against, models.Abstain, models.Absent}

var allOutcomes = map[models.Outcome]struct{}{
	models.For: {}, models.Against: {}, models.Abstain: {}, models.Absent: {},
}

// Value is the numeric encoding of an outcome; absent is NaN.
func Value(o models.Outcome) float64 {
	switch o {
	case models.For:
		return 1
	case models.Against:
		return 0
	case models.Abstain:
		return 0.5
	default:
		return math.NaN()
	}
}

// Classifier turns raw outcome labels into canonical outcomes, either from an
// explicit label table or from the frequency rank of labels in a reference
// column.
type Classifier struct {
	order  []models.Outcome
	labels map[string]models.Outcome
}

func New() *Classifier {
	c, _ := NewRanked(DefaultOrder)
	return c
}

func NewRanked(order []models.Outcome) (*Classifier, error) {
	if len(order) != len(allOutcomes) {
		return nil, errors.Wrapf(ErrBadOrder, "got %d outcomes", len(order))
	}
	seen := map[models.Outcome]bool{}
	for _, o := range order {
		if _, ok := allOutcomes[o]; !ok || seen[o] {
			return nil, errors.Wrapf(ErrBadOrder, "%q", o)
		}
		seen[o] = true
	}
	return &Classifier{order: append([]models.Outcome(nil), order...)}, nil
}

func NewLabeled(labels map[string]models.Outcome) (*Classifier, error) {
	if len(labels) == 0 {
		return nil, errors.New("empty label table")
	}
	out := make(map[string]models.Outcome, len(labels))
	for label, o := range labels {
		if _, ok := allOutcomes[o]; !ok {
			return nil, errors.Wrapf(ErrBadOrder, "label %q: %q", label, o)
		}
		out[strings.TrimSpace(label)] = o
	}
	return &Classifier{labels: out}, nil
}

// Mapping is a resolved label -> outcome table.
type Mapping map[string]models.Outcome

// Value encodes a raw label. Unknown labels are an error so that a change in
// the source wording fails loudly.
func (m Mapping) Value(label string) (float64, error) {
	o, ok := m[label]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownLabel, "%q", label)
	}
	return Value(o), nil
}

// Mapping resolves labels against the reference column. Exactly four
// distinct labels must be present.
func (c *Classifier) Mapping(reference []string) (Mapping, error) {
	ranked := RankLabels(reference)
	if len(ranked) != len(allOutcomes) {
		return nil, errors.WithHint(
			errors.Wrapf(ErrOutcomeDrift, "reference column has %d distinct labels %q", len(ranked), ranked),
			"choose a reference column in which every outcome occurs",
		)
	}
	m := Mapping{}
	if c.labels != nil {
		for _, label := range ranked {
			o, ok := c.labels[label]
			if !ok {
				return nil, errors.Wrapf(ErrUnknownLabel, "%q not in label table", label)
			}
			m[label] = o
		}
		// labels not seen in the reference column are still valid elsewhere
		for label, o := range c.labels {
			m[label] = o
		}
		return m, nil
	}
	for i, label := range ranked {
		m[label] = c.order[i]
	}
	return m, nil
}

// RankLabels returns distinct non-empty labels by descending frequency, ties
// broken alphabetically.
func RankLabels(values []string) []string {
	freq := map[string]int{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		freq[v]++
	}

	type kv struct {
		K string
		V int
	}
	var list []kv
	for k, v := range freq {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].V == list[j].V {
			return list[i].K < list[j].K
		}
		return list[i].V > list[j].V
	})
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.K)
	}
	return out
}
