package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/engine"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/scheduler"
	"github.com/harunnryd/tablesync/internal/status"
	"github.com/harunnryd/tablesync/internal/store"

	"github.com/spf13/cobra"
)

type fakeRemote struct {
	failField string
}

func (f fakeRemote) RequestCompute(_ context.Context, fieldID string, _ compute.CalculateOptions) compute.Outcome {
	if fieldID == f.failField {
		return compute.Outcome{FieldID: fieldID, Err: tserrors.Remote(0, "division by zero")}
	}
	return compute.Outcome{FieldID: fieldID, Success: true, Values: map[string]any{"r1": len(fieldID)}}
}

func (f fakeRemote) QueryStatus(_ context.Context, fieldID string) (compute.FieldStatus, error) {
	return compute.FieldStatus{FieldID: fieldID, State: status.StateCached, Value: "v-" + fieldID, HasValue: true, CachedAt: time.Now()}, nil
}

func (f fakeRemote) UpdateRecord(_ context.Context, recordID string, values map[string]any) (*compute.UpdatedRecord, error) {
	return &compute.UpdatedRecord{Record: compute.Record{ID: recordID, Fields: values}, RecomputedFields: []string{"category"}}, nil
}

func (f fakeRemote) BatchRefresh(_ context.Context, recordIDs []string) (*compute.BatchRefreshResult, error) {
	return &compute.BatchRefreshResult{Success: true, RefreshedCount: len(recordIDs)}, nil
}

func useFakeEngine(t *testing.T, remote fakeRemote) {
	t.Helper()
	prevCfg, prevEngine := cfg, newEngine
	cfg = &config.Config{
		Dispatch: config.DispatchConfig{Force: true},
		Monitor:  config.MonitorConfig{PollInterval: "5ms"},
		Daemon:   config.DaemonConfig{StatePath: t.TempDir()},
	}
	newEngine = func(c *config.Config) (*engine.Engine, error) {
		return engine.New(c, engine.WithClient(remote))
	}
	t.Cleanup(func() { cfg, newEngine = prevCfg, prevEngine })
}

func testCommand(format string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	cmd.Flags().String("output", format, "")
	cmd.Flags().Bool("force", true, "")
	cmd.Flags().Duration("interval", 0, "")
	cmd.Flags().StringArray("set", nil, "")
	cmd.Flags().StringSlice("derived", nil, "")
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	return cmd, out
}

func TestFieldCalculateCmd(t *testing.T) {
	useFakeEngine(t, fakeRemote{})
	cmd, out := testCommand("json")

	if err := fieldCalculateCmd.RunE(cmd, []string{"r1", "total", "summary"}); err != nil {
		t.Fatalf("field calculate failed: %v", err)
	}

	var rows []fieldRow
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].FieldID != "total" || rows[0].State != status.StateCached {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
}

func TestFieldCalculateCmd_ReportsFailures(t *testing.T) {
	useFakeEngine(t, fakeRemote{failField: "ratio"})
	cmd, out := testCommand("table")

	err := fieldCalculateCmd.RunE(cmd, []string{"r1", "total", "ratio"})
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected partial failure error, got %v", err)
	}
	if !strings.Contains(out.String(), "division by zero") {
		t.Errorf("table does not show the remote error:\n%s", out.String())
	}
}

func TestFieldWatchCmd(t *testing.T) {
	useFakeEngine(t, fakeRemote{})
	cmd, out := testCommand("yaml")

	if err := fieldWatchCmd.RunE(cmd, []string{"r1", "f1"}); err != nil {
		t.Fatalf("field watch failed: %v", err)
	}
	if !strings.Contains(out.String(), "value: v-f1") {
		t.Errorf("watch output missing polled value:\n%s", out.String())
	}
}

func TestRecordUpdateCmd(t *testing.T) {
	useFakeEngine(t, fakeRemote{})
	cmd, out := testCommand("json")
	_ = cmd.Flags().Set("set", "age=30")
	_ = cmd.Flags().Set("derived", "category,total")

	if err := recordUpdateCmd.RunE(cmd, []string{"r1"}); err != nil {
		t.Fatalf("record update failed: %v", err)
	}

	var got recordUpdateOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.Record.Fields["age"] != float64(30) {
		t.Errorf("age = %v, want 30", got.Record.Fields["age"])
	}
	if len(got.Fields) != 2 || got.Fields[0].FieldID != "category" || got.Fields[1].FieldID != "total" {
		t.Fatalf("fields = %+v, want category and total", got.Fields)
	}
	for _, f := range got.Fields {
		if f.State != status.StateCached {
			t.Errorf("%s state = %s, want cached", f.FieldID, f.State)
		}
	}
}

func TestParseAssignments(t *testing.T) {
	values, err := parseAssignments([]string{"age=30", "ratio=0.5", "active=true", "name=Ada Lovelace", "tags=[a, b]", "note="})
	if err != nil {
		t.Fatalf("parseAssignments() error = %v", err)
	}

	want := map[string]any{
		"age":    30,
		"ratio":  0.5,
		"active": true,
		"name":   "Ada Lovelace",
		"tags":   "[a, b]",
		"note":   nil,
	}
	for k, v := range want {
		if values[k] != v {
			t.Errorf("%s = %#v, want %#v", k, values[k], v)
		}
	}

	for _, bad := range [][]string{nil, {"age"}, {"=30"}} {
		if _, err := parseAssignments(bad); err == nil {
			t.Errorf("parseAssignments(%q) expected error", bad)
		}
	}
}

func TestReadAndImportJobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	content := `jobs:
  - id: nightly
    schedule: "0 3 * * *"
    record_ids: [r1, r2]
  - schedule: "@every 15m"
    record_ids: [r3]
    field_ids: [total]
    force: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}

	defs, err := readJobsFile(path)
	if err != nil {
		t.Fatalf("readJobsFile() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}

	jobs, err := scheduler.NewStore(store.GetJobsPath(dir))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	imported, err := importJobs(jobs, defs)
	if err != nil {
		t.Fatalf("importJobs() error = %v", err)
	}
	if imported != 2 {
		t.Errorf("imported = %d, want 2", imported)
	}

	list, _ := jobs.LoadJobs()
	if len(list) != 2 {
		t.Fatalf("stored jobs = %d, want 2", len(list))
	}

	defs[0].Schedule = "not a schedule"
	if _, err := importJobs(jobs, defs); err == nil {
		t.Error("importJobs() accepted an invalid schedule")
	}
}

func TestScheduleCommandsRequireStateLock(t *testing.T) {
	useFakeEngine(t, fakeRemote{})

	lock, err := store.NewFileLock(cfg.Daemon.StatePath, nil)
	if err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	defer lock.Unlock()

	cmd, _ := testCommand("table")
	err = scheduleLsCmd.RunE(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "/v1/jobs") {
		t.Fatalf("expected lock error pointing at the daemon API, got %v", err)
	}
}

func TestScheduleAddAndList(t *testing.T) {
	useFakeEngine(t, fakeRemote{})

	add := &cobra.Command{}
	add.Flags().String("id", "hourly", "")
	add.Flags().String("description", "", "")
	add.Flags().StringSlice("fields", nil, "")
	add.Flags().Bool("force", true, "")
	addOut := &bytes.Buffer{}
	add.SetOut(addOut)

	if err := scheduleAddCmd.RunE(add, []string{"@every 1h", "r1"}); err != nil {
		t.Fatalf("schedule add failed: %v", err)
	}
	if !strings.Contains(addOut.String(), "hourly") {
		t.Errorf("unexpected add output: %s", addOut.String())
	}

	cmd, out := testCommand("table")
	if err := scheduleLsCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("schedule ls failed: %v", err)
	}
	if !strings.Contains(out.String(), "hourly") || !strings.Contains(out.String(), "Total: 1 job(s)") {
		t.Errorf("unexpected ls output:\n%s", out.String())
	}
}

func TestPrintOutput_UnknownFormat(t *testing.T) {
	if err := printOutput(&bytes.Buffer{}, "xml", nil, func() string { return "" }); err == nil {
		t.Error("expected error for unknown format")
	}
}
