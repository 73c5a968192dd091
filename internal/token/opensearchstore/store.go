// Package opensearchstore persists credential records as JSON documents
// in a dedicated cluster index, so revocation state survives restarts
// and is shared across nodes.
package opensearchstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v5"
	"github.com/opensearch-project/opensearch-go/v4"

	"github.com/searchwarden/searchwarden/internal/token"
)

// DefaultIndex is the index holding credential records.
const DefaultIndex = ".searchwarden_authtokens"

// minClusterVersion is the oldest cluster version the store supports;
// older clusters lack the system-index handling the store relies on.
var minClusterVersion = semver.MustParse("2.0.0")

const searchPageSize = 1000

// Config holds the connection settings for the cluster.
type Config struct {
	Addresses []string
	Username  string
	Password  string

	// Index overrides DefaultIndex.
	Index string
}

// Store is a credential store backed by a cluster index.
type Store struct {
	client *opensearch.Client
	index  string
}

// New creates a Store. It does not contact the cluster; call Ready
// before first use.
func New(cfg Config) (*Store, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("at least one cluster address is required")
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:            cfg.Addresses,
		Username:             cfg.Username,
		Password:             cfg.Password,
		EnableRetryOnTimeout: true,
		MaxRetries:           3,
		RetryOnStatus:        []int{502, 503, 504, 429},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cluster client: %w", err)
	}

	return &Store{client: client, index: index}, nil
}

var _ token.Store = (*Store)(nil)

// Ready pings the cluster until it responds, with exponential backoff,
// and verifies the cluster version is supported.
func (s *Store) Ready(ctx context.Context, maxWait time.Duration) error {
	version, err := backoff.Retry(ctx, func() (string, error) {
		return s.clusterVersion(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
	)
	if err != nil {
		return fmt.Errorf("cluster not reachable: %w", err)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parsing cluster version %q: %w", version, err)
	}
	if v.LessThan(minClusterVersion) {
		return fmt.Errorf("cluster version %s is below the supported minimum %s", v, minClusterVersion)
	}

	slog.Info("Credential store connected", "cluster_version", version, "index", s.index)
	return nil
}

func (s *Store) clusterVersion(ctx context.Context) (string, error) {
	body, status, err := s.perform(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("cluster info returned status %d", status)
	}

	var info struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decoding cluster info: %w", err)
	}
	return info.Version.Number, nil
}

// Create indexes the record document. refresh=true makes the record
// visible to validation immediately; issuance is rare enough that the
// cost does not matter.
func (s *Store) Create(ctx context.Context, rec *token.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding credential record: %w", err)
	}

	path := fmt.Sprintf("/%s/_create/%s", s.index, rec.ID)
	body, status, err := s.perform(ctx, http.MethodPut, path, doc, map[string]string{"refresh": "true"})
	if err != nil {
		return fmt.Errorf("indexing credential record: %w", err)
	}
	if status == http.StatusConflict {
		return fmt.Errorf("credential %s already exists", rec.ID)
	}
	if status >= 300 {
		return fmt.Errorf("indexing credential record: status %d: %s", status, body)
	}
	return nil
}

// Get fetches the record document by id.
func (s *Store) Get(ctx context.Context, id string) (*token.Record, error) {
	path := fmt.Sprintf("/%s/_doc/%s", s.index, id)
	body, status, err := s.perform(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching credential record: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", token.ErrNoSuchCredential, id)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetching credential record: status %d: %s", status, body)
	}

	var doc struct {
		Source token.Record `json:"_source"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding credential record: %w", err)
	}
	return &doc.Source, nil
}

// Delete removes the record document, revoking the credential.
func (s *Store) Delete(ctx context.Context, id string) error {
	path := fmt.Sprintf("/%s/_doc/%s", s.index, id)
	body, status, err := s.perform(ctx, http.MethodDelete, path, nil, map[string]string{"refresh": "true"})
	if err != nil {
		return fmt.Errorf("deleting credential record: %w", err)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", token.ErrNoSuchCredential, id)
	}
	if status >= 300 {
		return fmt.Errorf("deleting credential record: status %d: %s", status, body)
	}
	return nil
}

// Search runs a filtered query over the record index, newest first.
func (s *Store) Search(ctx context.Context, q token.Query) ([]*token.Record, error) {
	query, err := json.Marshal(searchBody(q))
	if err != nil {
		return nil, fmt.Errorf("encoding search query: %w", err)
	}

	path := fmt.Sprintf("/%s/_search", s.index)
	body, status, err := s.perform(ctx, http.MethodPost, path, query, nil)
	if err != nil {
		return nil, fmt.Errorf("searching credential records: %w", err)
	}
	if status == http.StatusNotFound {
		// Index not created yet: nothing has been issued.
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("searching credential records: status %d: %s", status, body)
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source token.Record `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	records := make([]*token.Record, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		rec := hit.Source
		records = append(records, &rec)
	}
	return records, nil
}

// Indices lists concrete index names matching the pattern. Tenant
// generation discovery uses this when tenant resources live in the same
// cluster as the credential index.
func (s *Store) Indices(ctx context.Context, pattern string) ([]string, error) {
	path := fmt.Sprintf("/_cat/indices/%s", pattern)
	body, status, err := s.perform(ctx, http.MethodGet, path, nil, map[string]string{
		"format": "json",
		"h":      "index",
	})
	if err != nil {
		return nil, fmt.Errorf("listing indices: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("listing indices: status %d: %s", status, body)
	}

	var rows []struct {
		Index string `json:"index"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding index listing: %w", err)
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Index)
	}
	return names, nil
}

func searchBody(q token.Query) map[string]any {
	var filters []map[string]any
	if q.Subject != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"subject.keyword": q.Subject},
		})
	}
	if q.Name != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"name.keyword": q.Name},
		})
	}

	query := map[string]any{"match_all": map[string]any{}}
	if len(filters) > 0 {
		query = map[string]any{
			"bool": map[string]any{"filter": filters},
		}
	}
	return map[string]any{
		"query": query,
		"size":  searchPageSize,
		"sort":  []map[string]any{{"created_at": map[string]any{"order": "desc"}}},
	}
}

// perform sends one request and returns the full response body and
// status code.
func (s *Store) perform(ctx context.Context, method, path string, body []byte,
	params map[string]string) ([]byte, int, error) {
	var reader io.Reader
	headers := http.Header{}
	if body != nil {
		reader = bytes.NewReader(body)
		headers.Set("Content-Type", "application/json")
	}

	req, err := opensearch.BuildRequest(method, path, reader, params, headers)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := s.client.Perform(req.WithContext(ctx))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}
