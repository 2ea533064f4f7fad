package collaborators

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

var testLogger = zerolog.Nop()

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInventoryEnumerator(t *testing.T) {
	yamlDoc := `
disks:
  - id: D1
    number: 0
    size: 536870912000
    partition_style: GPT
    read_only: true
    partitions:
      - {number: 1, type: ntfs, size: 1048576}
  - id: D2
    number: 1
    bus_type: NVMe
    size: 274877906944
    partition_style: RAW
`
	jsonDoc := `{"disks":[{"id":"D1","number":0,"size":10},{"id":"D2","number":1,"size":20,"bus_type":"NVMe"}]}`

	for name, path := range map[string]string{
		"yaml": writeFile(t, "inventory.yaml", yamlDoc),
		"json": writeFile(t, "inventory.json", jsonDoc),
	} {
		t.Run(name, func(t *testing.T) {
			disks, err := NewInventoryEnumerator(path, testLogger).GetCandidates(context.Background())
			if err != nil {
				t.Fatalf("GetCandidates() error = %v", err)
			}
			if len(disks) != 2 || disks[0].ID() != "D1" || disks[1].BusType != "NVMe" {
				t.Errorf("disks = %+v", disks)
			}
		})
	}
}

func TestInventoryEnumeratorRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"duplicate number", "inv.yaml", "disks: [{id: a, number: 1}, {id: b, number: 1}]", "duplicate disk number"},
		{"duplicate id", "inv.yaml", "disks: [{id: a, number: 1}, {id: a, number: 2}]", "duplicate disk id"},
		{"bad style", "inv.yaml", "disks: [{id: a, number: 1, partition_style: APM}]", "invalid inventory"},
		{"partition without type", "inv.yaml", "disks: [{id: a, number: 1, partitions: [{number: 1}]}]", "invalid inventory"},
		{"unknown field", "inv.json", `{"disks":[{"id":"a","number":1,"colour":"red"}]}`, "unknown field"},
		{"unknown yaml field", "inv.yml", "disks: [{id: a, number: 1, colour: red}]", "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewInventoryEnumerator(path, testLogger).GetCandidates(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}

	_, err := NewInventoryEnumerator(filepath.Join(t.TempDir(), "missing.yaml"), testLogger).GetCandidates(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestLocalFileCopier(t *testing.T) {
	src := filepath.Join(t.TempDir(), "osdeploy")
	if err := os.WriteFile(src, []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "volume", "osdeploy", "osdeploy")

	if err := NewLocalFileCopier(testLogger).Copy(context.Background(), src, dst); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "binary" {
		t.Fatalf("destination = %q, %v", data, err)
	}
	info, _ := os.Stat(dst)
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}
	if _, err := os.Stat(dst + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestLocalFileCopierCancelled(t *testing.T) {
	src := writeFile(t, "src", "data")
	dst := filepath.Join(t.TempDir(), "dst")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewLocalFileCopier(testLogger).Copy(ctx, src, dst)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Copy() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("destination created by a cancelled copy")
	}
}

type recordedRunner struct {
	calls [][]string
	fail  string
}

func (r *recordedRunner) Run(_ context.Context, name string, args ...string) (*ExecResult, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if len(args) > 0 && args[0] == r.fail {
		return &ExecResult{ExitCode: 1}, errors.New(r.fail + " failed")
	}
	return &ExecResult{}, nil
}

func TestWimlibServicer(t *testing.T) {
	runner := &recordedRunner{}
	mountDir := filepath.Join(t.TempDir(), "mount")
	w := NewWimlibServicer("", runner, testLogger)
	ctx := context.Background()

	session, err := w.Open(ctx, "/images/install.wim", 3, mountDir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if m := session.Mount(); m.Index != 3 || m.MountDir != mountDir || !m.ReadOnly {
		t.Errorf("Mount() = %+v", m)
	}
	if err := session.Apply(ctx, engine.Volume{Path: "/mnt/system"}); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := session.Rollback(ctx); err == nil {
		t.Error("Rollback() after Commit succeeded")
	}

	want := [][]string{
		{DefaultWimlibTool, "mount", "/images/install.wim", "3", mountDir},
		{DefaultWimlibTool, "apply", "/images/install.wim", "3", "/mnt/system"},
		{DefaultWimlibTool, "unmount", mountDir},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Errorf("calls = %v, want %v", runner.calls, want)
	}
}

func TestWimlibServicerRollback(t *testing.T) {
	runner := &recordedRunner{fail: "apply"}
	w := NewWimlibServicer("wimlib", runner, testLogger)
	ctx := context.Background()

	session, err := w.Open(ctx, "install.wim", 1, filepath.Join(t.TempDir(), "m"))
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Apply(ctx, engine.Volume{Path: "/mnt"}); err == nil {
		t.Fatal("Apply() succeeded")
	}
	if err := session.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	last := runner.calls[len(runner.calls)-1]
	if last[1] != "unmount" || last[len(last)-1] != "--force" {
		t.Errorf("rollback call = %v", last)
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &ExecRunner{Env: map[string]string{"OSDEPLOY_TEST": "value"}}

	res, err := r.Run(context.Background(), "sh", "-c", "echo $OSDEPLOY_TEST")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "value" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	res, err = r.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	if err == nil || res == nil || res.ExitCode != 3 || !strings.Contains(err.Error(), "broken") {
		t.Errorf("Run() = %+v, %v", res, err)
	}

	if _, err := r.Run(context.Background(), ""); err == nil {
		t.Error("empty command accepted")
	}
}

func TestDryRunCollaborators(t *testing.T) {
	ctx := context.Background()
	image := writeFile(t, "install.wim", "wim")

	images := NewDryRunImageServicer(testLogger)
	session, err := images.Open(ctx, image, 2, "/tmp/mount")
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Apply(ctx, engine.Volume{Path: "/mnt"}); err != nil {
		t.Fatal(err)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := images.Applied(); len(got) != 1 || got[0].Index != 2 {
		t.Errorf("Applied() = %+v", got)
	}
	if _, err := images.Open(ctx, filepath.Join(t.TempDir(), "none.wim"), 1, "/tmp/m"); err == nil {
		t.Error("Open() accepted a missing image")
	}

	boot := NewDryRunBootConfigurator(testLogger)
	if err := boot.Configure(ctx, engine.BootRequest{Firmware: "uefi"}); err != nil {
		t.Fatal(err)
	}
	if len(boot.Requests()) != 1 {
		t.Error("boot request not recorded")
	}

	domain := NewDryRunDomainJoiner(testLogger)
	if err := domain.Join(ctx, engine.JoinRequest{Domain: "corp.example.com", Password: "secret"}); err != nil {
		t.Fatal(err)
	}
	if reqs := domain.Requests(); len(reqs) != 1 || reqs[0].Password != "" {
		t.Errorf("Requests() = %+v", reqs)
	}
}
