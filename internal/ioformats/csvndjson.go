package ioformats

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/models"
)

var voteHeader = []string{
	"session_no", "session_url", "date", "vote_no",
	"vote_url", "vote_time", "vote_topic", "vote_type",
}

// ReadVotes reads the enumerated-votes cache from a CSV (header row with the
// vote fields) or NDJSON file. If ext cannot be determined, tries CSV first
// then NDJSON.
func ReadVotes(path string) ([]models.Vote, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv":
		return readVotesCSV(path)
	case ".ndjson", ".jsonl":
		return readVotesNDJSON(path)
	default:
		if votes, err := readVotesCSV(path); err == nil && len(votes) > 0 {
			return votes, nil
		}
		return readVotesNDJSON(path)
	}
}

func readVotesCSV(path string) ([]models.Vote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty csv")
	}
	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, h := range []string{"session_no", "vote_no", "vote_url"} {
		if _, ok := col[h]; !ok {
			return nil, errors.Newf("csv must contain a %q header column", h)
		}
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}
	var out []models.Vote
	for _, row := range rows[1:] {
		v := models.Vote{
			SessionNo:  get(row, "session_no"),
			SessionURL: get(row, "session_url"),
			Date:       get(row, "date"),
			VoteNo:     get(row, "vote_no"),
			VoteURL:    get(row, "vote_url"),
			Time:       get(row, "vote_time"),
			Topic:      get(row, "vote_topic"),
			Type:       get(row, "vote_type"),
		}
		if strings.TrimSpace(v.VoteURL) == "" {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func readVotesNDJSON(path string) ([]models.Vote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []models.Vote
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var v models.Vote
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no votes found in ndjson")
	}
	return out, nil
}

// WriteVotes writes the enumerated-votes cache as CSV.
func WriteVotes(path string, votes []models.Vote) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(voteHeader); err != nil {
			return err
		}
		for _, v := range votes {
			rec := []string{v.SessionNo, v.SessionURL, v.Date, v.VoteNo, v.VoteURL, v.Time, v.Topic, v.Type}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

var failedHeader = []string{"index", "vote", "vote_url"}

// ReadFailed reads the list of passed-over votes. A missing file is an empty
// list.
func ReadFailed(path string) ([]models.FailedVote, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var out []models.FailedVote
	for i, row := range rows {
		if i == 0 {
			continue
		}
		n, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d", path, i+1)
		}
		out = append(out, models.FailedVote{Index: n, Column: row[1], URL: row[2]})
	}
	return out, nil
}

// WriteFailed rewrites the list of passed-over votes.
func WriteFailed(path string, failed []models.FailedVote) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(failedHeader); err != nil {
			return err
		}
		for _, f := range failed {
			if err := cw.Write([]string{strconv.Itoa(f.Index), f.Column, f.URL}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// WriteNDJSON writes any JSON-marshalable items as NDJSON to w.
func WriteNDJSON[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return nil
}

// writeFile writes through a temp file in the same directory and renames it
// into place.
func writeFile(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	bw := bufio.NewWriter(tmp)
	if err := fill(bw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "write %s", path)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "flush %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
