package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// templateSchema validates the query config file shape before any template
// is served. A malformed file must never replace a good in-memory set.
const templateSchema = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["query"],
    "properties": {
      "description": {"type": "string"},
      "query": {"type": "string", "minLength": 1},
      "parameters": {"type": "object"},
      "use_current_date_default": {"type": "boolean"}
    }
  }
}`

// QueryTemplate is one pre-approved, read-only report query. Placeholders
// of the form {{name}} are substituted from parameters at render time.
type QueryTemplate struct {
	Description           string                 `json:"description"`
	Query                 string                 `json:"query"`
	Parameters            map[string]interface{} `json:"parameters"`
	UseCurrentDateDefault bool                   `json:"use_current_date_default"`
}

// TemplateStore loads report query templates from a JSON config file and
// keeps them current via a filesystem watch. Readers always see a complete,
// validated template set.
type TemplateStore struct {
	path      string
	mu        sync.RWMutex
	templates map[string]QueryTemplate
	watcher   *fsnotify.Watcher
	done      chan struct{}
	logger    zerolog.Logger
}

// NewTemplateStore loads templates from path. With watch enabled, edits to
// the file are picked up without a restart; an invalid edit is logged and
// the previous set stays in effect.
func NewTemplateStore(path string, watch bool, logger zerolog.Logger) (*TemplateStore, error) {
	s := &TemplateStore{
		path:   path,
		done:   make(chan struct{}),
		logger: logger,
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("tools: failed to create watcher: %w", err)
		}
		// Watch the directory: editors replace the file, which would
		// drop a watch on the file itself.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tools: failed to watch %s: %w", filepath.Dir(path), err)
		}
		s.watcher = watcher
		go s.watchLoop()
	}

	return s, nil
}

func (s *TemplateStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn().
					Str("path", s.path).
					Err(err).
					Msg("Query config reload failed; keeping previous templates")
				continue
			}
			s.logger.Info().Str("path", s.path).Msg("Query templates reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Query config watcher error")
		case <-s.done:
			return
		}
	}
}

func (s *TemplateStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("tools: failed to read query config: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(templateSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("tools: failed to validate query config: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("tools: invalid query config: %s", strings.Join(details, "; "))
	}

	var templates map[string]QueryTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return fmt.Errorf("tools: failed to parse query config: %w", err)
	}

	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()
	return nil
}

// Get returns a template by name.
func (s *TemplateStore) Get(name string) (QueryTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// Names returns the available template names, sorted lazily by map order.
func (s *TemplateStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	return names
}

// Describe returns a human-readable listing of every template, used by the
// query tool's "list" command.
func (s *TemplateStore) Describe() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Available report queries:\n")
	for name, t := range s.templates {
		params := make([]string, 0, len(t.Parameters))
		for p := range t.Parameters {
			params = append(params, p)
		}
		desc := t.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "\n- %s\n  Description: %s\n  Parameters: %s\n", name, desc, strings.Join(params, ", "))
	}
	return b.String()
}

// Render resolves a template into executable SQL. Overrides replace the
// template's default parameters; CURRENT_DATE placeholders resolve to
// today's range when the template opts in.
func (s *TemplateStore) Render(name string, overrides map[string]interface{}) (string, map[string]interface{}, error) {
	tmpl, ok := s.Get(name)
	if !ok {
		return "", nil, fmt.Errorf("tools: unknown query %q (available: %s)", name, strings.Join(s.Names(), ", "))
	}

	params := make(map[string]interface{}, len(tmpl.Parameters))
	for k, v := range tmpl.Parameters {
		params[k] = v
	}
	if tmpl.UseCurrentDateDefault {
		applyCurrentDateDefaults(params)
	}
	for k, v := range overrides {
		if v == nil {
			continue
		}
		params[k] = v
	}

	query := tmpl.Query
	for k, v := range params {
		placeholder := "{{" + k + "}}"
		if !strings.Contains(query, placeholder) {
			continue
		}
		query = strings.ReplaceAll(query, placeholder, sqlLiteral(v))
	}

	if unresolved := unresolvedPlaceholder(query); unresolved != "" {
		return "", nil, fmt.Errorf("tools: query %q is missing parameter %s", name, unresolved)
	}

	return query, params, nil
}

// applyCurrentDateDefaults resolves the CURRENT_DATE_START/END sentinels to
// today's bounds.
func applyCurrentDateDefaults(params map[string]interface{}) {
	now := time.Now()
	day := now.Format("2006-01-02")
	for k, v := range params {
		switch v {
		case "{{CURRENT_DATE_START}}":
			params[k] = day + " 00:00:00"
		case "{{CURRENT_DATE_END}}":
			params[k] = day + " 23:59:59"
		}
	}
}

// sqlLiteral renders a parameter value for direct substitution. Single
// quotes in strings are doubled; templates are trusted config, parameters
// are not.
func sqlLiteral(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, "'", "''")
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func unresolvedPlaceholder(query string) string {
	start := strings.Index(query, "{{")
	if start < 0 {
		return ""
	}
	end := strings.Index(query[start:], "}}")
	if end < 0 {
		return query[start:]
	}
	return query[start : start+end+2]
}

// Close stops the filesystem watch.
func (s *TemplateStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
