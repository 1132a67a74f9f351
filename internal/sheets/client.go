// Package sheets fetches the reference collections from the published
// Google Sheets "values" documents.
package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"smartbus-tracker/internal/transit"
)

const DefaultBaseURL = "https://sheets.googleapis.com"

// Config locates the three sheets. A range may also be a full http(s) URL
// or a local file path, which is used as is.
type Config struct {
	BaseURL       string
	Resource      string
	APIKey        string
	BusesRange    string
	ScheduleRange string
	StopsRange    string
}

// Location returns the URL or file path for a range.
func (c Config) Location(rng string) string {
	if isURL(rng) || strings.HasSuffix(rng, ".json") {
		return rng
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s", base, url.PathEscape(c.Resource), url.PathEscape(rng))
	if c.APIKey != "" {
		u += "?key=" + url.QueryEscape(c.APIKey)
	}
	return u
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Client implements refcache.Source.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchReferenceData downloads the three sheets concurrently. Any failed
// download fails the whole fetch; individual bad rows are skipped and
// reported in ReferenceData.Rejected.
func (c *Client) FetchReferenceData(ctx context.Context) (transit.ReferenceData, error) {
	var busRows, scheduleRows, stopRows [][]string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		busRows, err = c.fetchRows(gctx, c.cfg.BusesRange)
		return wrap(transit.SheetBuses, err)
	})
	g.Go(func() (err error) {
		scheduleRows, err = c.fetchRows(gctx, c.cfg.ScheduleRange)
		return wrap(transit.SheetSchedule, err)
	})
	g.Go(func() (err error) {
		stopRows, err = c.fetchRows(gctx, c.cfg.StopsRange)
		return wrap(transit.SheetStops, err)
	})
	if err := g.Wait(); err != nil {
		return transit.ReferenceData{}, err
	}

	var data transit.ReferenceData
	var rejected []error
	data.Buses, rejected = transit.ParseBuses(busRows)
	data.Rejected = append(data.Rejected, rejected...)
	data.Schedule, rejected = transit.ParseSchedule(scheduleRows)
	data.Rejected = append(data.Rejected, rejected...)
	data.Stops, rejected = transit.ParseStops(stopRows)
	data.Rejected = append(data.Rejected, rejected...)

	if n := len(data.Rejected); n > 0 {
		c.logger.Warn("skipped malformed reference rows", slog.Int("count", n),
			slog.String("first", data.Rejected[0].Error()))
	}
	return data, nil
}

func wrap(sheet string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", sheet, err)
	}
	return nil
}

func (c *Client) fetchRows(ctx context.Context, rng string) ([][]string, error) {
	body, err := c.fetch(ctx, c.cfg.Location(rng))
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return DecodeValues(body)
}

func (c *Client) fetch(ctx context.Context, loc string) (io.ReadCloser, error) {
	if !isURL(loc) {
		return os.Open(loc)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", redact(loc), err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, redact(loc))
	}
	return resp.Body, nil
}

// redact hides the API key in logged URLs.
func redact(loc string) string {
	u, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

type valuesDocument struct {
	Range          string  `json:"range"`
	MajorDimension string  `json:"majorDimension"`
	Values         [][]any `json:"values"`
}

// DecodeValues reads a values document and returns its rows without the
// header row.
func DecodeValues(r io.Reader) ([][]string, error) {
	var doc valuesDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	if doc.MajorDimension != "" && !strings.EqualFold(doc.MajorDimension, "ROWS") {
		return nil, fmt.Errorf("unsupported major dimension %q", doc.MajorDimension)
	}
	if len(doc.Values) <= 1 {
		return nil, nil
	}
	rows := make([][]string, 0, len(doc.Values)-1)
	for _, raw := range doc.Values[1:] {
		row := make([]string, len(raw))
		for i, v := range raw {
			row[i] = cellString(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
