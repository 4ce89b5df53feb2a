package ioformats

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/table"
	"sejm-vote-scraper/internal/transform"
)

const (
	partyHeader  = "Party"
	memberHeader = "MPS"
)

// ReadTable reads a wide result table written by WriteTable.
func ReadTable(path string) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, errors.Newf("%s: empty table", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if len(header) < 2 || header[0] != partyHeader || header[1] != memberHeader {
		return nil, errors.Newf("%s: header must start with %s,%s", path, partyHeader, memberHeader)
	}
	cols := header[2:]
	data := make([][]string, len(cols))
	var rows []table.Key
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		rows = append(rows, table.Key{Party: rec[0], Member: rec[1]})
		for c := range cols {
			data[c] = append(data[c], rec[c+2])
		}
	}
	t, err := table.Build(rows, cols, data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return t, nil
}

// WriteTable writes t as CSV: Party, MPS, then one column per vote.
func WriteTable(path string, t *table.Table) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cols := t.Columns()
		if err := cw.Write(append([]string{partyHeader, memberHeader}, cols...)); err != nil {
			return err
		}
		data := make([][]string, len(cols))
		for c, name := range cols {
			data[c], _ = t.Column(name)
		}
		rec := make([]string, len(cols)+2)
		for r, k := range t.Rows() {
			rec[0], rec[1] = k.Party, k.Member
			for c := range cols {
				rec[c+2] = data[c][r]
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// WriteFrame writes a cleaned numeric frame. Missing values are left empty.
func WriteFrame(path string, f *transform.Frame) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(append([]string{partyHeader, memberHeader}, f.Columns...)); err != nil {
			return err
		}
		rec := make([]string, len(f.Columns)+2)
		for r, k := range f.Rows {
			rec[0], rec[1] = k.Party, k.Member
			for c := range f.Columns {
				v := f.Values[c][r]
				if math.IsNaN(v) {
					rec[c+2] = ""
				} else {
					rec[c+2] = strconv.FormatFloat(v, 'g', -1, 64)
				}
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// Shards numbers the per-invocation result files <prefix>_<n>.csv in a
// directory.
type Shards struct {
	Dir    string
	Prefix string
}

func NewShards(dir string) Shards { return Shards{Dir: dir, Prefix: "results"} }

func (s Shards) pattern() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(s.Prefix) + `_(\d+)\.csv$`)
}

// List returns existing shard paths ordered by their number.
func (s Shards) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list shards")
	}
	re := s.pattern()
	type numbered struct {
		n    int
		path string
	}
	var found []numbered
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, path: filepath.Join(s.Dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f.path)
	}
	return out, nil
}

// Next reserves the path of the shard after the highest existing one. The
// file is created on the first write.
func (s Shards) Next() (*Shard, error) {
	paths, err := s.List()
	if err != nil {
		return nil, err
	}
	n := 1
	if len(paths) > 0 {
		m := s.pattern().FindStringSubmatch(filepath.Base(paths[len(paths)-1]))
		last, _ := strconv.Atoi(m[1])
		n = last + 1
	}
	return &Shard{Path: filepath.Join(s.Dir, s.Prefix+"_"+strconv.Itoa(n)+".csv")}, nil
}

// ReadAll loads every shard in order.
func (s Shards) ReadAll() ([]*table.Table, error) {
	paths, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]*table.Table, 0, len(paths))
	for _, p := range paths {
		t, err := ReadTable(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type Shard struct {
	Path string
}

// WriteTable rewrites the shard with the current table. Empty tables are
// not written so an invocation that collected nothing leaves no file.
func (s *Shard) WriteTable(t *table.Table) error {
	if t == nil || t.Empty() {
		return nil
	}
	return WriteTable(s.Path, t)
}
