package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type stubTool struct {
	name    string
	outcome Outcome
	err     error
	closed  bool
	gotCtx  context.Context
	gotEC   ExecContext
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, params map[string]interface{}, ec ExecContext) (Outcome, error) {
	s.gotCtx = ctx
	s.gotEC = ec
	return s.outcome, s.err
}
func (s *stubTool) Close() error {
	s.closed = true
	return nil
}

func TestSetExecute(t *testing.T) {
	tool := &stubTool{name: "echo", outcome: Outcome{Output: "ok"}}
	set, err := NewSet(zerolog.Nop(), tool)
	require.NoError(t, err)

	out, err := set.Execute(context.Background(), "echo", nil, ExecContext{ThreadID: "t1", WorkDir: "/tmp/s1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Output)
	assert.Equal(t, "t1", tool.gotEC.ThreadID)
	assert.Equal(t, "/tmp/s1", tool.gotEC.WorkDir)
}

func TestSetExecuteUnknownTool(t *testing.T) {
	set, err := NewSet(zerolog.Nop())
	require.NoError(t, err)

	_, err = set.Execute(context.Background(), "ghost", nil, ExecContext{})
	assert.ErrorContains(t, err, "unknown tool")
}

func TestSetExecutePropagatesError(t *testing.T) {
	boom := errors.New("connection refused")
	set, err := NewSet(zerolog.Nop(), &stubTool{name: "db", err: boom})
	require.NoError(t, err)

	_, err = set.Execute(context.Background(), "db", nil, ExecContext{})
	assert.ErrorIs(t, err, boom)
}

func TestSetRejectsDuplicates(t *testing.T) {
	_, err := NewSet(zerolog.Nop(), &stubTool{name: "a"}, &stubTool{name: "a"})
	assert.ErrorContains(t, err, "duplicate")
}

func TestSetCloseClosesClosers(t *testing.T) {
	a := &stubTool{name: "a"}
	b := &stubTool{name: "b"}
	set, err := NewSet(zerolog.Nop(), a, b)
	require.NoError(t, err)

	require.NoError(t, set.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestSetNamesPreserveOrder(t *testing.T) {
	set, err := NewSet(zerolog.Nop(), &stubTool{name: "first"}, &stubTool{name: "second"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, set.Names())
}

func TestWriteWorkbook(t *testing.T) {
	path := t.TempDir() + "/out.xlsx"
	rows := []map[string]interface{}{
		{"agent": "alice", "calls": 12},
		{"agent": "bob", "calls": 7},
	}

	require.NoError(t, writeWorkbook(path, rows))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue("Report", "A1")
	require.NoError(t, err)
	assert.Equal(t, "agent", header)

	name, err := f.GetCellValue("Report", "A2")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	calls, err := f.GetCellValue("Report", "B3")
	require.NoError(t, err)
	assert.Equal(t, "7", calls)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "report.xlsx", sanitizeFilename("../../etc/../report.xlsx"))
	assert.Equal(t, "report.xlsx", sanitizeFilename(""))
	assert.Equal(t, "monthly.xlsx", sanitizeFilename("/abs/path/monthly.xlsx"))
}
