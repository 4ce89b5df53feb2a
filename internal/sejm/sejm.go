// Package sejm enumerates sittings and votes on the Sejm website and fetches
// per-party ballot results for a single vote.
package sejm

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/models"
	"sejm-vote-scraper/internal/parser"
	"sejm-vote-scraper/pkg/logger"
)

// DefaultHome is the 9th term site root.
const DefaultHome = "https://www.sejm.gov.pl/sejm9.nsf/"

// FetchError is any network or parse failure while reading a page.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err carries a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Fetcher is satisfied by *crawler.HTTPClient.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, string, time.Duration, error)
}

type Client struct {
	fetcher Fetcher
	parser  *parser.Parser
	home    *url.URL
	term    int
	log     *logger.Logger
}

func NewClient(f Fetcher, home string, term int, l *logger.Logger) (*Client, error) {
	u, err := url.Parse(home)
	if err != nil {
		return nil, errors.Wrapf(err, "parse home %q", home)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("home %q must be absolute", home)
	}
	if l == nil {
		l = logger.Nop()
	}
	return &Client{fetcher: f, parser: parser.New(), home: u, term: term, log: l}, nil
}

func (c *Client) document(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, _, ct, elapsed, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer body.Close()
	doc, err := c.parser.Document(body, ct)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	c.log.Debugf("fetched %s in %s", rawURL, elapsed)
	return doc, nil
}

// SessionsURL is the index of all voting sittings of the term.
func (c *Client) SessionsURL() string {
	q := url.Values{}
	q.Set("symbol", "posglos")
	q.Set("NrKadencji", strconv.Itoa(c.term))
	ref := &url.URL{Path: "agent.xsp", RawQuery: q.Encode()}
	return c.home.ResolveReference(ref).String()
}

// Sessions lists the sittings held in year, in page order.
func (c *Client) Sessions(ctx context.Context, year int) ([]models.Session, error) {
	link := c.SessionsURL()
	doc, err := c.document(ctx, link)
	if err != nil {
		return nil, err
	}
	sessions, err := c.parser.Sessions(doc, c.home, strconv.Itoa(year))
	if err != nil {
		return nil, &FetchError{URL: link, Err: err}
	}
	FillSessionNumbers(sessions)
	c.log.Infof("found %d sittings in %d", len(sessions), year)
	return sessions, nil
}

// FillSessionNumbers gives every session without a number the number of the
// closest preceding session that has one. Leading unnumbered rows stay empty.
func FillSessionNumbers(sessions []models.Session) {
	current := ""
	for i := range sessions {
		if sessions[i].No != "" {
			current = sessions[i].No
			continue
		}
		sessions[i].No = current
	}
}

// Votes lists every vote of the given sittings. The order matches the source
// tables; the collector addresses votes by position.
func (c *Client) Votes(ctx context.Context, sessions []models.Session) ([]models.Vote, error) {
	var all []models.Vote
	for _, s := range sessions {
		doc, err := c.document(ctx, s.URL)
		if err != nil {
			return nil, err
		}
		votes, err := c.parser.Votes(doc, c.home, s)
		if err != nil {
			return nil, &FetchError{URL: s.URL, Err: err}
		}
		c.log.Infof("sitting %s (%s): %d votes", s.No, s.Date, len(votes))
		all = append(all, votes...)
	}
	return all, nil
}

// Parties lists the party result pages linked from a vote page.
func (c *Client) Parties(ctx context.Context, v models.Vote) ([]models.PartyLink, error) {
	doc, err := c.document(ctx, v.VoteURL)
	if err != nil {
		return nil, err
	}
	parties, err := c.parser.Parties(doc, c.home)
	if err != nil {
		return nil, &FetchError{URL: v.VoteURL, Err: err}
	}
	return parties, nil
}

// Ballots reads member outcomes from a party result page.
func (c *Client) Ballots(ctx context.Context, p models.PartyLink) ([]models.MemberBallot, error) {
	doc, err := c.document(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	ballots, err := c.parser.Ballots(doc)
	if err != nil {
		return nil, &FetchError{URL: p.URL, Err: err}
	}
	return ballots, nil
}
