// Package store exports enumerated votes and cleaned ballots to SQLite in
// long format, one row per (vote, party, member).
package store

import (
	"context"
	"database/sql"
	"math"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"sejm-vote-scraper/internal/models"
	"sejm-vote-scraper/internal/transform"
)

const Schema = `
create table if not exists votes (
	position integer primary key,
	column_name text not null unique,
	session_no text not null,
	session_url text not null,
	date text not null,
	vote_no text not null,
	vote_url text not null,
	vote_time text not null,
	topic text not null,
	vote_type text not null
);

create table if not exists ballots (
	column_name text not null,
	party text not null,
	member text not null,
	value real,
	primary key (column_name, party, member)
);

create index if not exists ballots_party on ballots(party, column_name);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path; ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one connection so :memory: databases are shared across calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// SaveVotes replaces the vote list.
func (s *Store) SaveVotes(ctx context.Context, votes []models.Vote) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "delete from votes"); err != nil {
			return errors.Wrap(err, "clear votes")
		}
		stmt, err := tx.PrepareContext(ctx, `insert into votes
			(position, column_name, session_no, session_url, date, vote_no, vote_url, vote_time, topic, vote_type)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			on conflict(column_name) do nothing`)
		if err != nil {
			return errors.Wrap(err, "prepare vote insert")
		}
		defer stmt.Close()
		for i, v := range votes {
			_, err := stmt.ExecContext(ctx, i, v.Column(), v.SessionNo, v.SessionURL, v.Date, v.VoteNo, v.VoteURL, v.Time, v.Topic, v.Type)
			if err != nil {
				return errors.Wrapf(err, "insert vote %s", v.Column())
			}
		}
		return nil
	})
}

// SaveFrame upserts every cell of a cleaned frame. NaN is stored as NULL.
func (s *Store) SaveFrame(ctx context.Context, f *transform.Frame) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `insert into ballots (column_name, party, member, value)
			values (?, ?, ?, ?)
			on conflict(column_name, party, member) do update set value = excluded.value`)
		if err != nil {
			return errors.Wrap(err, "prepare ballot insert")
		}
		defer stmt.Close()
		for c, name := range f.Columns {
			for r, k := range f.Rows {
				var v any
				if x := f.Values[c][r]; !math.IsNaN(x) {
					v = x
				}
				if _, err := stmt.ExecContext(ctx, name, k.Party, k.Member, v); err != nil {
					return errors.Wrapf(err, "insert ballot %s %s", name, k.Member)
				}
			}
		}
		return nil
	})
}

// PartyLine is a party's mean position on one vote.
type PartyLine struct {
	Column string
	Party  string
	Mean   float64
	Size   int
}

// PartyLines summarises how each party voted on average, in vote order.
func (s *Store) PartyLines(ctx context.Context) ([]PartyLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		select b.column_name, b.party, avg(b.value), count(*)
		from ballots b
		left join votes v on v.column_name = b.column_name
		group by b.column_name, b.party
		order by coalesce(v.position, 1e9), b.column_name, b.party`)
	if err != nil {
		return nil, errors.Wrap(err, "query party lines")
	}
	defer rows.Close()
	var out []PartyLine
	for rows.Next() {
		var pl PartyLine
		var mean sql.NullFloat64
		if err := rows.Scan(&pl.Column, &pl.Party, &mean, &pl.Size); err != nil {
			return nil, errors.Wrap(err, "scan party line")
		}
		pl.Mean = math.NaN()
		if mean.Valid {
			pl.Mean = mean.Float64
		}
		out = append(out, pl)
	}
	return out, errors.Wrap(rows.Err(), "iterate party lines")
}
