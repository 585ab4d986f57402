package battery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxSourceResponseSize limits content source response bodies.
const maxSourceResponseSize = 10 * 1024 * 1024 // 10MB

// Source supplies the active battery and criteria set. Content is fetched
// once at run creation and snapshotted; nothing re-reads it mid-run.
type Source interface {
	// ActiveBattery returns the currently published battery version.
	ActiveBattery(ctx context.Context) (*Battery, error)

	// ActiveCriteria returns the currently published criteria set.
	ActiveCriteria(ctx context.Context) (*CriteriaSet, error)
}

// HTTPSource reads the active battery and criteria from a content CMS
// over HTTP. Responses are JSON.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithToken sets the bearer token for CMS requests.
func WithToken(token string) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.httpClient = c
	}
}

// NewHTTPSource creates a content source backed by a CMS at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPSourceOption) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("content source URL is required")
	}
	s := &HTTPSource{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ActiveBattery fetches the active battery version from the CMS.
func (s *HTTPSource) ActiveBattery(ctx context.Context) (*Battery, error) {
	var battery Battery
	if err := s.getJSON(ctx, "/api/battery/active", &battery); err != nil {
		return nil, fmt.Errorf("fetch active battery: %w", err)
	}
	if err := battery.Validate(); err != nil {
		return nil, err
	}
	return &battery, nil
}

// ActiveCriteria fetches the active criteria set from the CMS.
func (s *HTTPSource) ActiveCriteria(ctx context.Context) (*CriteriaSet, error) {
	var criteria CriteriaSet
	if err := s.getJSON(ctx, "/api/criteria/active", &criteria); err != nil {
		return nil, fmt.Errorf("fetch active criteria: %w", err)
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	return &criteria, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("content source request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceResponseSize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return fmt.Errorf("content source returned status %d: %s", resp.StatusCode, preview)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// fileDocument is the on-disk layout of a local battery file.
type fileDocument struct {
	Battery  Battery     `yaml:"battery"`
	Criteria CriteriaSet `yaml:"criteria"`
}

// FileSource reads the battery and criteria from a local YAML file.
// Useful for offline runs and tests.
type FileSource struct {
	path string
}

// NewFileSource creates a content source backed by a YAML file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// ActiveBattery reads the battery section of the file.
func (s *FileSource) ActiveBattery(_ context.Context) (*Battery, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := doc.Battery.Validate(); err != nil {
		return nil, err
	}
	return &doc.Battery, nil
}

// ActiveCriteria reads the criteria section of the file.
func (s *FileSource) ActiveCriteria(_ context.Context) (*CriteriaSet, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := doc.Criteria.Validate(); err != nil {
		return nil, err
	}
	return &doc.Criteria, nil
}

func (s *FileSource) load() (*fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read battery file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse battery file: %w", err)
	}
	return &doc, nil
}
