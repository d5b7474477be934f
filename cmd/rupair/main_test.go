//go:build cgo

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LliminM/rupair/internal/report"
	"github.com/LliminM/rupair/internal/smt"
)

const unguardedWrite = `fn main() {
    let mut buffer: Vec<u8> = Vec::with_capacity(16);
    let ptr = buffer.as_mut_ptr();
    unsafe {
        *ptr.add(15) = 1;
    }
}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeSource(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestScanWritesReportPerSource(t *testing.T) {
	root := t.TempDir()
	src := writeSource(t, root, "src/main.rs", unguardedWrite)
	writeSource(t, root, "target/debug/build/out.rs", unguardedWrite)
	out := filepath.Join(t.TempDir(), "reports")
	fixed := filepath.Join(t.TempDir(), "fixed")

	_, err := execute(t, "scan", "--output-dir", out, "--fixed-dir", fixed, "--log-level", "off", root)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, report.ReportPath(src)))
	require.NoError(t, err)
	assert.Contains(t, string(data), report.MarkdownTitle)
	assert.Contains(t, string(data), "- Total Issues: 1")
	assert.Contains(t, string(data), "## Issue #1")

	_, err = os.Stat(filepath.Join(out, report.ReportPath(filepath.Join(root, "target", "debug", "build", "out.rs"))))
	assert.True(t, os.IsNotExist(err))

	rectified, err := os.ReadFile(filepath.Join(fixed, report.RelativePath(src)))
	require.NoError(t, err)
	assert.Contains(t, string(rectified), "if 15 < buffer.len() {")
}

func TestScanToStdout(t *testing.T) {
	src := writeSource(t, t.TempDir(), "main.rs", unguardedWrite)

	stdout, err := execute(t, "scan", "--log-level", "off", src)
	require.NoError(t, err)
	assert.Contains(t, stdout, report.MarkdownTitle)
	assert.Contains(t, stdout, "- Source File: "+src)
	assert.Contains(t, stdout, "### Fixed Code")
}

func TestScanFormatFromEnvironment(t *testing.T) {
	src := writeSource(t, t.TempDir(), "main.rs", unguardedWrite)
	t.Setenv("RUPAIR_REPORT_FORMAT", "json")

	stdout, err := execute(t, "scan", "--log-level", "off", src)
	require.NoError(t, err)
	var doc report.JSONReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, 1, doc.Summary.Total)
}

func TestScanRejectsMisuse(t *testing.T) {
	_, err := execute(t, "scan", "--log-level", "off", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	src := writeSource(t, t.TempDir(), "main.rs", unguardedWrite)
	_, err = execute(t, "scan", "--log-level", "off", "--format", "html", src)
	assert.Error(t, err)

	_, err = execute(t, "scan", "--log-level", "off", "--config", filepath.Join(t.TempDir(), "none.yaml"), src)
	assert.Error(t, err)
}

func TestScanUnwritableOutputDir(t *testing.T) {
	src := writeSource(t, t.TempDir(), "main.rs", unguardedWrite)
	blocker := writeSource(t, t.TempDir(), "file", "")

	_, err := execute(t, "scan", "--log-level", "off", "--output-dir", filepath.Join(blocker, "reports"), src)
	assert.Error(t, err)
}

func TestSolverStatus(t *testing.T) {
	stdout, err := execute(t, "solver", "--json")
	require.NoError(t, err)
	var info smt.StatusInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, smt.BackendNative, info.Backend)
	assert.Equal(t, "native", info.Selected)
}

func TestVersion(t *testing.T) {
	stdout, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, report.ToolName+" "+report.Version)

	stdout, err = execute(t, "formats")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sarif")
}
