package battery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceFetchesActiveContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/battery/active":
			_ = json.NewEncoder(w).Encode(validBattery())
		case "/api/criteria/active":
			_ = json.NewEncoder(w).Encode(&CriteriaSet{
				VersionID: "crit-1",
				Criteria:  []Criterion{{Name: "voice", ScaleMin: 1, ScaleMax: 10}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	source, err := NewHTTPSource(server.URL, WithToken("sekrit"))
	require.NoError(t, err)

	bat, err := source.ActiveBattery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bat-2026-08", bat.VersionID)
	assert.Len(t, bat.Sequences, 2)

	criteria, err := source.ActiveCriteria(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "crit-1", criteria.VersionID)
}

func TestHTTPSourceRejectsNonOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nothing published", http.StatusNotFound)
	}))
	defer server.Close()

	source, err := NewHTTPSource(server.URL)
	require.NoError(t, err)

	_, err = source.ActiveBattery(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPSourceRejectsInvalidContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(&Battery{VersionID: "empty"})
	}))
	defer server.Close()

	source, err := NewHTTPSource(server.URL)
	require.NoError(t, err)

	_, err = source.ActiveBattery(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sequences")
}

func TestNewHTTPSourceRequiresURL(t *testing.T) {
	_, err := NewHTTPSource("")
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	doc := `
battery:
  version_id: bat-local
  sequences:
    - name: flash
      prompts:
        - name: start
          text: Write a 100-word story.
criteria:
  version_id: crit-local
  criteria:
    - name: imagery
      description: vivid sensory detail
      scale_min: 1
      scale_max: 5
`
	path := filepath.Join(t.TempDir(), "battery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	source := NewFileSource(path)

	bat, err := source.ActiveBattery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bat-local", bat.VersionID)
	require.Len(t, bat.Sequences, 1)
	assert.Equal(t, "Write a 100-word story.", bat.Sequences[0].Prompts[0].Text)

	criteria, err := source.ActiveCriteria(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "crit-local", criteria.VersionID)
	assert.Equal(t, 5.0, criteria.Criteria[0].ScaleMax)
}

func TestFileSourceMissingFile(t *testing.T) {
	source := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := source.ActiveBattery(context.Background())
	assert.Error(t, err)
}
