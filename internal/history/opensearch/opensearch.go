// Package opensearch indexes history events into OpenSearch or
// Elasticsearch over the REST document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/loykin/hpcattach/internal/history"
)

const defaultTimeout = 5 * time.Second

// Config addresses an index.
type Config struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	// Daily appends -YYYY.MM.DD of the event time to Index.
	Daily   bool
	Timeout time.Duration
}

// Sink PUTs each event as a document whose id is derived from the event, so
// a resent event overwrites instead of duplicating.
type Sink struct {
	client *http.Client
	cfg    Config
}

func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

// IndexFor returns the index an event at t lands in.
func (s *Sink) IndexFor(t time.Time) string {
	if !s.cfg.Daily {
		return s.cfg.Index
	}
	return s.cfg.Index + "-" + t.UTC().Format("2006.01.02")
}

// DocID identifies e by its type, job, session and time.
func DocID(e history.Event) string {
	h := blake3.New()
	for _, part := range []string{string(e.Type), e.Variant, e.JobID, e.SessionID, strconv.FormatInt(e.OccurredAt.UnixNano(), 10)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.cfg.BaseURL, s.IndexFor(e.OccurredAt), DocID(e))
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s: status %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
