package tools

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
  "agent_activity": {
    "description": "Agent activity by date range",
    "query": "SELECT * FROM agent_activity WHERE started_at BETWEEN '{{start_date}}' AND '{{end_date}}'",
    "parameters": {
      "start_date": "{{CURRENT_DATE_START}}",
      "end_date": "{{CURRENT_DATE_END}}"
    },
    "use_current_date_default": true
  },
  "agent_status": {
    "description": "Current status per agent",
    "query": "SELECT * FROM agent_status WHERE sme_id = {{sme_id}}",
    "parameters": {"sme_id": 1}
  }
}`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queries.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestStore(t *testing.T, content string) *TemplateStore {
	t.Helper()
	s, err := NewTemplateStore(writeTestConfig(t, content), false, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadAndGet(t *testing.T) {
	s := newTestStore(t, testConfig)

	tmpl, ok := s.Get("agent_activity")
	require.True(t, ok)
	assert.True(t, tmpl.UseCurrentDateDefault)
	assert.ElementsMatch(t, []string{"agent_activity", "agent_status"}, s.Names())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestInvalidConfigRejected(t *testing.T) {
	for name, content := range map[string]string{
		"not json":      `{broken`,
		"missing query": `{"report": {"description": "no query here"}}`,
		"empty query":   `{"report": {"query": ""}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewTemplateStore(writeTestConfig(t, content), false, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestRenderAppliesCurrentDateDefaults(t *testing.T) {
	s := newTestStore(t, testConfig)

	query, params, err := s.Render("agent_activity", nil)
	require.NoError(t, err)

	day := time.Now().Format("2006-01-02")
	assert.Equal(t, day+" 00:00:00", params["start_date"])
	assert.Equal(t, day+" 23:59:59", params["end_date"])
	assert.Contains(t, query, "BETWEEN '"+day+" 00:00:00'")
	assert.NotContains(t, query, "{{")
}

func TestRenderOverrides(t *testing.T) {
	s := newTestStore(t, testConfig)

	query, _, err := s.Render("agent_activity", map[string]interface{}{
		"start_date": "2026-01-01 00:00:00",
		"end_date":   "2026-01-31 23:59:59",
	})
	require.NoError(t, err)
	assert.Contains(t, query, "'2026-01-01 00:00:00'")
	assert.Contains(t, query, "'2026-01-31 23:59:59'")
}

func TestRenderEscapesQuotes(t *testing.T) {
	s := newTestStore(t, testConfig)

	query, _, err := s.Render("agent_activity", map[string]interface{}{
		"start_date": "2026-01-01'; DROP TABLE agents; --",
	})
	require.NoError(t, err)
	assert.Contains(t, query, "2026-01-01''; DROP TABLE agents; --")
}

func TestRenderNumericParam(t *testing.T) {
	s := newTestStore(t, testConfig)

	query, _, err := s.Render("agent_status", map[string]interface{}{
		"sme_id": float64(42),
	})
	require.NoError(t, err)
	assert.Contains(t, query, "sme_id = 42")
}

func TestRenderUnknownQuery(t *testing.T) {
	s := newTestStore(t, testConfig)

	_, _, err := s.Render("nope", nil)
	assert.ErrorContains(t, err, "unknown query")
}

func TestRenderUnresolvedPlaceholder(t *testing.T) {
	s := newTestStore(t, `{
	  "broken": {"query": "SELECT * FROM t WHERE x = '{{never_set}}'"}
	}`)

	_, _, err := s.Render("broken", nil)
	assert.ErrorContains(t, err, "never_set")
}

func TestWatchReloadsOnEdit(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	s, err := NewTemplateStore(path, true, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	updated := `{"only_one": {"query": "SELECT 1"}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	assert.Eventually(t, func() bool {
		_, ok := s.Get("only_one")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatchKeepsPreviousOnBadEdit(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	s, err := NewTemplateStore(path, true, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0600))

	// Give the watcher time to see the write; the good set must survive.
	time.Sleep(200 * time.Millisecond)
	_, ok := s.Get("agent_activity")
	assert.True(t, ok)
}
