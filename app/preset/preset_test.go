package preset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/taskwatch/app/tracker"
)

func TestLoad(t *testing.T) {
	tbl := []struct {
		name    string
		content string
		labels  []string
		err     string
	}{
		{name: "yaml", content: "tasks:\n  - label: Build\n  - label: \" Deploy \"\n", labels: []string{"Build", "Deploy"}},
		{name: "json", content: `{"tasks":[{"label":"Build"}]}`, labels: []string{"Build"}},
		{name: "empty file", content: "", err: "at least one task is required"},
		{name: "no tasks", content: "tasks: []\n", err: "at least one task is required"},
		{name: "empty label", content: "tasks:\n  - label: Build\n  - label: \"  \"\n", err: "task 2: label is required"},
		{name: "unknown field", content: "tasks:\n  - label: Build\n    command: ls\n", err: "field command not found"},
		{name: "broken yaml", content: "tasks: [\n", err: "can't parse preset"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "preset.yml")
			require.NoError(t, os.WriteFile(file, []byte(tt.content), 0o600))

			cfg, err := Load(file)
			if tt.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.labels, cfg.Labels())
		})
	}
}

func TestLoad_NoFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_Apply(t *testing.T) {
	tr := tracker.New(tracker.WithLogger(lgr.NoOp))
	cfg := Config{Tasks: []TaskSpec{{Label: "Build"}, {Label: "Test"}, {Label: "Deploy"}}}

	ids := cfg.Apply(tr)
	assert.Equal(t, []int{1, 2, 3}, ids)

	tasks := tr.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "Deploy", tasks[0].Label, "last preset task is the newest")
	assert.Equal(t, "Build", tasks[2].Label)
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema()
	require.NotNil(t, schema)

	data, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tasks"`)
	assert.Contains(t, string(data), `"label"`)
	assert.Contains(t, string(data), `"minItems":1`)
}
