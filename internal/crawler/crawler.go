package crawler

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
)

var (
	ErrInvalidURL = errors.New("invalid url")
	ErrNonHTML    = errors.New("non-html content")
	ErrTooLarge   = errors.New("response exceeds size cap")
)

type HTTPClient struct {
	client  *resty.Client
	sizeCap int64
}

func NewHTTPClient(timeout, dialTimeout time.Duration, sizeCap int64) *HTTPClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	client := resty.New().
		SetTransport(transport).
		SetTimeout(timeout).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("User-Agent", "sejm-vote-scraper/1.0 (+https://github.com/sejm-vote-scraper)")
	return &HTTPClient{
		client:  client,
		sizeCap: sizeCap,
	}
}

// Fetch GETs rawURL and returns the body, the final URL after redirects, the
// content type and the elapsed time. Statuses outside 2xx/3xx are errors.
func (h *HTTPClient) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, string, time.Duration, error) {
	start := time.Now()
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, "", "", 0, errors.Wrapf(ErrInvalidURL, "%q", rawURL)
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u.String())
	if err != nil {
		return nil, "", "", 0, errors.Wrapf(err, "get %s", u)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 400 {
		return nil, "", "", 0, errors.Newf("http status %d", resp.StatusCode())
	}

	contentType := resp.Header().Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(mediaType, "text/html") && !strings.Contains(mediaType, "application/xhtml+xml") && mediaType != "" {
		// still allow if empty (some servers omit), otherwise reject non-html
		return nil, "", "", 0, errors.Wrap(ErrNonHTML, mediaType)
	}

	var r io.Reader = raw
	if strings.EqualFold(resp.Header().Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, "", "", 0, errors.Wrap(err, "gzip body")
		}
		defer gz.Close()
		r = gz
	}
	// enforce a size cap; one extra byte tells a full page from a cut one
	if h.sizeCap > 0 {
		r = io.LimitReader(r, h.sizeCap+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, "", "", 0, errors.Wrapf(err, "read %s", u)
	}
	if h.sizeCap > 0 && int64(len(body)) > h.sizeCap {
		return nil, "", "", 0, errors.Wrapf(ErrTooLarge, "over %d bytes", h.sizeCap)
	}

	finalURL := u.String()
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		finalURL = resp.RawResponse.Request.URL.String()
	}
	return io.NopCloser(bytes.NewReader(body)), finalURL, contentType, time.Since(start), nil
}
