package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTaskDir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func TestLoader_Load_FullTask(t *testing.T) {
	dir := newTaskDir(t, "curate_assay")
	writeFile(t, dir, "input.csv", "filename,assay\nf1.bam,\nf2.bam,\n")
	writeFile(t, dir, "ground_truth.csv", "assay\nRNA-seq\nWGS\n")
	writeFile(t, dir, "schema.json", `{"assay": ["RNA-seq", "WGS"]}`)
	writeFile(t, dir, "default_prompt.txt", "Fill in the assay field.")
	writeFile(t, dir, "system_instructions.txt", "Answer with JSON only.")
	writeFile(t, dir, "task_config.yaml", "scoring: exact_fields\n")

	task, err := NewLoader(nil).Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "curate_assay", task.Name)
	assert.Len(t, task.InputSamples, 2)
	assert.Equal(t, "f1.bam", task.InputSamples[0]["filename"])
	require.True(t, task.HasGroundTruth())
	assert.Equal(t, "RNA-seq", task.GroundTruth[0]["assay"])
	assert.Equal(t, "Fill in the assay field.", task.DefaultPrompt)
	assert.Equal(t, "Answer with JSON only.", task.SystemInstructions)
	assert.Equal(t, "exact_fields", task.Scoring)
	assert.NotNil(t, task.Schema)
}

func TestLoader_Load_TSVAndDefaults(t *testing.T) {
	dir := newTaskDir(t, "tsv_task")
	writeFile(t, dir, "input.tsv", "a\tb\n1\t2\n")

	task, err := NewLoader(nil).Load(dir)
	require.NoError(t, err)

	assert.Len(t, task.InputSamples, 1)
	assert.Equal(t, "2", task.InputSamples[0]["b"])
	assert.False(t, task.HasGroundTruth())
	assert.Equal(t, genericPrompt, task.DefaultPrompt)
	assert.Empty(t, task.SystemInstructions)
}

func TestLoader_Load_FallbackToNonGroundTruthTable(t *testing.T) {
	dir := newTaskDir(t, "fallback")
	writeFile(t, dir, "samples.csv", "x\n1\n")
	writeFile(t, dir, "ground_truth.csv", "x\n1\n")

	task, err := NewLoader(nil).Load(dir)
	require.NoError(t, err)
	assert.Len(t, task.InputSamples, 1)
	assert.Len(t, task.GroundTruth, 1)
}

func TestLoader_Load_LengthMismatch(t *testing.T) {
	dir := newTaskDir(t, "mismatch")
	writeFile(t, dir, "input.csv", "x\n1\n2\n")
	writeFile(t, dir, "ground_truth.csv", "x\n1\n")

	_, err := NewLoader(nil).Load(dir)
	assert.ErrorContains(t, err, "ground truth")
}

func TestLoader_Load_MaxSamples(t *testing.T) {
	dir := newTaskDir(t, "capped")
	writeFile(t, dir, "input.csv", "x\n1\n2\n3\n")
	writeFile(t, dir, "ground_truth.csv", "x\n1\n2\n3\n")
	writeFile(t, dir, "task_config.yaml", "max_samples: 2\n")

	task, err := NewLoader(nil).Load(dir)
	require.NoError(t, err)
	assert.Len(t, task.InputSamples, 2)
	assert.Len(t, task.GroundTruth, 2)
}

func TestLoader_Load_NoInputData(t *testing.T) {
	dir := newTaskDir(t, "empty")
	_, err := NewLoader(nil).Load(dir)
	assert.ErrorContains(t, err, "no input data")
}

func TestLoader_LoadAll(t *testing.T) {
	root := t.TempDir()

	good := filepath.Join(root, "good_task")
	require.NoError(t, os.MkdirAll(good, 0o755))
	writeFile(t, good, "input.csv", "x\n1\n")

	bad := filepath.Join(root, "bad_task")
	require.NoError(t, os.MkdirAll(bad, 0o755))

	example := filepath.Join(root, "example_task")
	require.NoError(t, os.MkdirAll(example, 0o755))
	writeFile(t, example, "input.csv", "x\n1\n")

	tasks, failed, err := NewLoader(nil).LoadAll(root)
	require.NoError(t, err)

	require.Len(t, tasks, 1)
	assert.Equal(t, "good_task", tasks[0].Name)
	require.Len(t, failed, 1)
	assert.Contains(t, failed, "bad_task")
}

func TestDefaultFormatter_IncludesSchemaAndSample(t *testing.T) {
	dir := newTaskDir(t, "fmt_task")
	writeFile(t, dir, "input.csv", "filename\nf1.bam\n")
	writeFile(t, dir, "schema.json", `{"assay": ["RNA-seq"]}`)
	writeFile(t, dir, "default_prompt.txt", "Curate this record.")

	task, err := NewLoader(nil).Load(dir)
	require.NoError(t, err)

	prompt := DefaultFormatter{}.FormatPrompt(task, task.InputSamples[0])
	assert.Contains(t, prompt, "Curate this record.")
	assert.Contains(t, prompt, "Target Schema (controlled terminology):")
	assert.Contains(t, prompt, "Input data:")
	assert.Contains(t, prompt, "f1.bam")
}

func TestDefaultFormatter_NoSchema(t *testing.T) {
	dir := newTaskDir(t, "noschema")
	writeFile(t, dir, "input.csv", "x\n1\n")

	task, err := NewLoader(nil).Load(dir)
	require.NoError(t, err)

	prompt := DefaultFormatter{}.FormatPrompt(task, task.InputSamples[0])
	assert.NotContains(t, prompt, "Target Schema")
	assert.Contains(t, prompt, "Input data:")
}

func TestRegistry_Overrides(t *testing.T) {
	r := NewRegistry()

	_, ok := r.FormatterFor("some_task")
	assert.False(t, ok)

	r.RegisterFormatter("some_task", DefaultFormatter{})
	got, ok := r.FormatterFor("some_task")
	assert.True(t, ok)
	assert.NotNil(t, got)

	_, ok = r.ScorerFor("some_task")
	assert.False(t, ok)
}
