package parser

import (
	"bytes"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"golang.org/x/net/html/charset"

	"sejm-vote-scraper/internal/models"
)

var (
	// ErrNoTable means the page has no result table body.
	ErrNoTable = errors.New("no table body on page")
	// ErrMalformedRow means a table row is missing expected cells or links.
	ErrMalformedRow = errors.New("malformed table row")
)

type Parser struct{}

func New() *Parser { return &Parser{} }

var whitespaceRe = regexp.MustCompile(`\s+`)

func clean(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// Document decodes r to UTF-8 and parses it.
func (p *Parser) Document(r io.Reader, contentType string) (*goquery.Document, error) {
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	data := buf.Bytes()

	enc, _, _ := charset.DetermineEncoding(data, contentType)
	utf8data, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		// fallback: if already utf-8, continue
		if !utf8.Valid(data) {
			return nil, errors.Wrap(err, "decode charset")
		}
		utf8data = data
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8data))
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}
	return doc, nil
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", errors.Wrapf(err, "parse href %q", href)
	}
	if base == nil {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

func bodyRows(doc *goquery.Document) (*goquery.Selection, error) {
	tbody := doc.Find("tbody").First()
	if tbody.Length() == 0 {
		return nil, ErrNoTable
	}
	return tbody.Find("tr"), nil
}

// Sessions extracts session rows whose date cell mentions year. Session
// numbers are returned as found; rows of multi-day sittings have none.
func (p *Parser) Sessions(doc *goquery.Document, base *url.URL, year string) ([]models.Session, error) {
	rows, err := bodyRows(doc)
	if err != nil {
		return nil, err
	}
	var out []models.Session
	var rowErr error
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		if cells.Length() < 2 {
			rowErr = errors.Wrapf(ErrMalformedRow, "session row %d: %d cells", i, cells.Length())
			return false
		}
		link := cells.Eq(1).Find("a").First()
		if link.Length() == 0 {
			rowErr = errors.Wrapf(ErrMalformedRow, "session row %d: no link", i)
			return false
		}
		if !strings.Contains(link.Text(), year) {
			return true
		}
		href, err := resolve(base, link.AttrOr("href", ""))
		if err != nil {
			rowErr = err
			return false
		}
		out = append(out, models.Session{
			No:   clean(cells.Eq(0).Text()),
			URL:  href,
			Date: clean(cells.Eq(1).Text()),
		})
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return out, nil
}

// Votes extracts one vote per row of a session page, in table order.
func (p *Parser) Votes(doc *goquery.Document, base *url.URL, s models.Session) ([]models.Vote, error) {
	rows, err := bodyRows(doc)
	if err != nil {
		return nil, err
	}
	var out []models.Vote
	var rowErr error
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		if cells.Length() < 3 {
			rowErr = errors.Wrapf(ErrMalformedRow, "vote row %d: %d cells", i, cells.Length())
			return false
		}
		link := cells.Eq(0).Find("a").First()
		if link.Length() == 0 {
			rowErr = errors.Wrapf(ErrMalformedRow, "vote row %d: no link", i)
			return false
		}
		href, err := resolve(base, link.AttrOr("href", ""))
		if err != nil {
			rowErr = err
			return false
		}
		out = append(out, models.Vote{
			SessionNo:  s.No,
			SessionURL: s.URL,
			Date:       s.Date,
			VoteNo:     clean(cells.Eq(0).Text()),
			VoteURL:    href,
			Time:       clean(cells.Eq(1).Text()),
			Topic:      clean(cells.Eq(2).Text()),
			Type:       clean(cells.Eq(2).Find("a").First().Text()),
		})
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return out, nil
}

// Parties extracts the party links listed on a vote page.
func (p *Parser) Parties(doc *goquery.Document, base *url.URL) ([]models.PartyLink, error) {
	var out []models.PartyLink
	var err error
	doc.Find("td.left").EachWithBreak(func(i int, td *goquery.Selection) bool {
		a := td.Find("a").First()
		if a.Length() == 0 {
			return true
		}
		var href string
		href, err = resolve(base, a.AttrOr("href", ""))
		if err != nil {
			return false
		}
		out = append(out, models.PartyLink{Name: clean(a.Text()), URL: href})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ballots pairs member cells (no style) with result cells (styled) in
// document order.
func (p *Parser) Ballots(doc *goquery.Document) ([]models.MemberBallot, error) {
	var members, results []string
	doc.Find("td.left").Each(func(i int, td *goquery.Selection) {
		if strings.TrimSpace(td.AttrOr("style", "")) == "" {
			members = append(members, clean(td.Text()))
		} else {
			results = append(results, clean(td.Text()))
		}
	})
	if len(members) != len(results) {
		return nil, errors.Wrapf(ErrMalformedRow, "%d members but %d results", len(members), len(results))
	}
	out := make([]models.MemberBallot, 0, len(members))
	for i := range members {
		out = append(out, models.MemberBallot{Member: members[i], Outcome: results[i]})
	}
	return out, nil
}
