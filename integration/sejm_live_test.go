//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"sejm-vote-scraper/internal/crawler"
	"sejm-vote-scraper/internal/sejm"
	"sejm-vote-scraper/pkg/logger"
)

func TestLiveSejmFirstVote(t *testing.T) {
	// the 9th term archive on sejm.gov.pl (subject to change / blocking)
	client := crawler.NewHTTPClient(25*time.Second, 5*time.Second, 5*1024*1024)
	site, err := sejm.NewClient(client, sejm.DefaultHome, 9, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	sessions, err := site.Sessions(ctx, 2022)
	if err != nil {
		t.Skipf("skipping: sittings page unavailable: %v", err)
	}
	if len(sessions) == 0 {
		t.Fatalf("expected sittings in 2022")
	}

	votes, err := site.Votes(ctx, sessions[:1])
	if err != nil {
		t.Skipf("skipping: vote list unavailable: %v", err)
	}
	if len(votes) == 0 {
		t.Fatalf("expected votes in sitting %s", sessions[0].No)
	}

	parties, err := site.Parties(ctx, votes[0])
	if err != nil {
		t.Skipf("skipping: vote page unavailable: %v", err)
	}
	if len(parties) < 2 {
		t.Errorf("expected several parties, got %d", len(parties))
	}

	ballots, err := site.Ballots(ctx, parties[0])
	if err != nil {
		t.Skipf("skipping: party page unavailable: %v", err)
	}
	if len(ballots) == 0 {
		t.Errorf("expected member results for %s", parties[0].Name)
	}
}
