package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoRows is returned when a session source produced no usable rows.
var ErrNoRows = errors.New("session has no rows")

// Source yields the parsed chain rows of one trading session.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]ChainRow, error)
}

// NewSource picks an HTTP source for http(s) URLs and a file source otherwise.
func NewSource(name, location string) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPSource(name, location)
	}
	return &FileSource{name: name, Path: location}
}

// FileSource reads a JSON array of rows from disk.
type FileSource struct {
	name string
	Path string
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Fetch(ctx context.Context) ([]ChainRow, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s session: %w", s.name, err)
	}
	return decodeRows(data)
}

// HTTPSource downloads a JSON array of rows.
type HTTPSource struct {
	name   string
	URL    string
	client *http.Client
}

func NewHTTPSource(name, url string) *HTTPSource {
	return &HTTPSource{
		name: name,
		URL:  url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context) ([]ChainRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s session: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s session: unexpected status %d", s.name, resp.StatusCode)
	}

	var rows []ChainRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s session: %w", s.name, err)
	}
	return rows, nil
}

// StaticSource serves rows already in memory.
type StaticSource struct {
	name string
	rows []ChainRow
}

func NewStaticSource(name string, rows []ChainRow) *StaticSource {
	return &StaticSource{name: name, rows: rows}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(context.Context) ([]ChainRow, error) {
	out := make([]ChainRow, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

func decodeRows(data []byte) ([]ChainRow, error) {
	var rows []ChainRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode session rows: %w", err)
	}
	return rows, nil
}

// Load fetches every source concurrently, normalizes the rows and merges them
// in source order. Any source failing, or ending up empty, fails the load.
func Load(ctx context.Context, logger *zap.SugaredLogger, sources ...Source) ([]ChainRow, error) {
	results := make([][]ChainRow, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			rows, err := src.Fetch(gctx)
			if err != nil {
				return err
			}
			rows, dropped := Normalize(rows)
			if dropped > 0 {
				logger.Warnw("Dropped malformed session rows", "session", src.Name(), "dropped", dropped)
			}
			if len(rows) == 0 {
				return fmt.Errorf("%s: %w", src.Name(), ErrNoRows)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := Merge(results...)
	fields := []interface{}{"rows", len(merged)}
	for i, src := range sources {
		fields = append(fields, src.Name(), len(results[i]))
	}
	logger.Infow("Session snapshot merged", fields...)
	return merged, nil
}
