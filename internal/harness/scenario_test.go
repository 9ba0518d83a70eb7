package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: minimal
description: "One replica pushes one widget"
schemas:
  - fixture.cue
replicas:
  - name: a
    policy: pessimistic
flow:
  - replica: a
    action: insert
    args: { class: "Test:Widget", label: pump }
  - replica: a
    action: import_schema
    args: { path: extra.cue }
assertions:
  - type: changesets
    count: 0
`

func TestLoadScenario_Valid(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/optimistic_stale_push.yaml")
	require.NoError(t, err)

	assert.Equal(t, "optimistic_stale_push", sc.Name)
	assert.Equal(t, []string{filepath.Join("testdata", "fixture.cue")}, sc.Schemas)
	require.Len(t, sc.Replicas, 2)
	assert.Equal(t, "a", sc.Replicas[0].Name)
	require.Len(t, sc.Flow, 10)
	assert.Equal(t, ActionInsert, sc.Flow[0].Action)
	assert.Equal(t, "pump", sc.Flow[0].Args["label"])
	require.NotNil(t, sc.Flow[3].Expect)
	assert.Equal(t, "STALE_REPLICA", sc.Flow[3].Expect.Outcome)
}

func TestLoadScenario_AllTestdata(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		_, err := LoadScenario(f)
		assert.NoError(t, err, f)
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_ResolvesPaths(t *testing.T) {
	sc, err := ParseScenario([]byte(validScenario), "testdata")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "fixture.cue"), sc.Schemas[0])
	assert.Equal(t, filepath.Join("testdata", "extra.cue"), sc.Flow[1].Args["path"])
}

func TestParseScenario_AbsolutePathKept(t *testing.T) {
	abs, err := filepath.Abs("testdata/fixture.cue")
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	body := `
name: abs
description: "absolute schema path"
schemas: ["` + abs + `"]
replicas: [{name: a}]
flow: [{replica: a, action: pull}]
assertions: [{type: index, replica: a, index: 0}]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, abs, sc.Schemas[0])
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: d\nschemaz: [fixture.cue]\n",
			wantErr: "field schemaz not found",
		},
		{
			name:    "missing name",
			yaml:    "description: d\n",
			wantErr: "name is required",
		},
		{
			name:    "missing schemas",
			yaml:    "name: x\ndescription: d\n",
			wantErr: "schemas list is required",
		},
		{
			name:    "schema file missing",
			yaml:    "name: x\ndescription: d\nschemas: [nope.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: pull}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: "schema file not found",
		},
		{
			name:    "duplicate replica",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}, {name: a}]\nflow: [{replica: a, action: pull}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: `duplicate replica "a"`,
		},
		{
			name:    "bad replica policy",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a, policy: eager}]\nflow: [{replica: a, action: pull}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: `unknown concurrency policy "eager"`,
		},
		{
			name:    "unknown step replica",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: z, action: pull}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: `flow[0]: unknown replica "z"`,
		},
		{
			name:    "unknown action",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: merge}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: `flow[0]: unknown action "merge"`,
		},
		{
			name:    "insert without class",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: insert, args: {label: p}}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: `insert requires a string "class" argument`,
		},
		{
			name:    "code without spec",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: insert, args: {class: C, label: p, code: W-1}}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: `requires a string "code_spec" argument`,
		},
		{
			name:    "unknown outcome",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: pull, expect: {outcome: BROKEN}}]\nassertions: [{type: changesets, count: 0}]\n",
			wantErr: `unknown outcome "BROKEN"`,
		},
		{
			name:    "no assertions",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: pull}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "count without count",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: pull}]\nassertions: [{type: count, replica: a, class: C}]\n",
			wantErr: "non-negative count is required for count",
		},
		{
			name:    "assertion on unknown replica",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: pull}]\nassertions: [{type: index, replica: b, index: 1}]\n",
			wantErr: `unknown replica "b" for index`,
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: x\ndescription: d\nschemas: [fixture.cue]\nreplicas: [{name: a}]\nflow: [{replica: a, action: pull}]\nassertions: [{type: changesets_exist}]\n",
			wantErr: `unknown assertion type "changesets_exist"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml), "testdata")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
