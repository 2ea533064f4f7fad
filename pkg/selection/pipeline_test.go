package selection

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

type testDisk struct {
	id         string
	size       uint64
	partitions int
	readOnly   bool
	bus        string
	style      string
	types      []string
}

func (d testDisk) ID() string { return d.id }

func (d testDisk) Attributes() map[string]any {
	return map[string]any{
		AttrID:             d.id,
		AttrSize:           d.size,
		AttrPartitionCount: d.partitions,
		AttrPartitionStyle: d.style,
		AttrReadOnly:       d.readOnly,
		"bus_type":         d.bus,
		"partition_types":  d.types,
	}
}

func silentLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func asCandidates(disks ...testDisk) []Candidate {
	out := make([]Candidate, len(disks))
	for i, d := range disks {
		out[i] = d
	}
	return out
}

func scenarioDisks() []Candidate {
	return asCandidates(
		testDisk{id: "D1", size: 500 * GB, partitions: 2, readOnly: true, bus: "SATA", style: "GPT", types: []string{"ntfs", "ntfs"}},
		testDisk{id: "D2", size: 256 * GB, partitions: 0, bus: "NVMe", style: "RAW"},
		testDisk{id: "D3", size: 1 * TB, partitions: 3, bus: "SATA", style: "GPT", types: []string{"linux", "swap", "linux"}},
	)
}

func TestPipeline_DiskSelectionScenario(t *testing.T) {
	p := NewPipeline(silentLogger(),
		Exclude("not read-only", Is(BuiltinReadOnly)),
		Include("nvme", Expr(`bus_type == "NVMe"`)),
		Include("empty", Is(BuiltinEmpty)),
	)

	res, err := p.Explain(context.Background(), scenarioDisks())
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}

	wantOutputs := [][]string{{"D2", "D3"}, {"D2"}, {"D2"}}
	for i, want := range wantOutputs {
		if got := res.Steps[i].Output; !reflect.DeepEqual(got, want) {
			t.Errorf("step %d output = %v, want %v", i, got, want)
		}
		if res.Steps[i].FellBack {
			t.Errorf("step %d fell back unexpectedly", i)
		}
	}
	if res.Selected.ID() != "D2" {
		t.Errorf("Selected = %s, want D2", res.Selected.ID())
	}
}

func TestPipeline_EmptyMatchScenario(t *testing.T) {
	candidates := asCandidates(
		testDisk{id: "D1", size: 100 * GB},
		testDisk{id: "D2", size: 200 * GB},
	)
	p := NewPipeline(silentLogger())

	excluded, res, err := p.apply(context.Background(), candidates, Exclude("", Is(BuiltinReadOnly)))
	if err != nil {
		t.Fatalf("apply() error = %v", err)
	}
	if !reflect.DeepEqual(ids(excluded), []string{"D1", "D2"}) {
		t.Errorf("exclude output = %v", ids(excluded))
	}
	if res.FellBack {
		t.Error("exclude of an empty match should not need a fallback")
	}

	included, res, err := p.apply(context.Background(), candidates, Include("", Is(BuiltinReadOnly)))
	if err != nil {
		t.Fatalf("apply() error = %v", err)
	}
	if !reflect.DeepEqual(ids(included), []string{"D1", "D2"}) {
		t.Errorf("include output = %v", ids(included))
	}
	if !res.FellBack {
		t.Error("include of nothing should fall back to the input")
	}
}

func TestPipeline_FallbackInvariant(t *testing.T) {
	candidates := scenarioDisks()
	matchNone := Func(func(Candidate) bool { return false })
	matchAll := Func(func(Candidate) bool { return true })

	tests := []struct {
		name string
		step Step
	}{
		{"include none", Include("", matchNone)},
		{"exclude all", Exclude("", matchAll)},
		{"include expression none", Include("", Expr("size > 10 * TB"))},
		{"exclude expression all", Exclude("", Expr("size > 0"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallbacks := 0
			p := NewPipeline(silentLogger()).OnFallback(func(Step, int) { fallbacks++ })
			got, err := p.Apply(context.Background(), candidates, tt.step)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if !reflect.DeepEqual(ids(got), ids(candidates)) {
				t.Errorf("Apply() = %v, want input %v", ids(got), ids(candidates))
			}
			if fallbacks != 1 {
				t.Errorf("fallback hook called %d times, want 1", fallbacks)
			}
		})
	}
}

func TestPipeline_NoneIsIdentity(t *testing.T) {
	candidates := scenarioDisks()
	p := NewPipeline(silentLogger())

	steps := []Step{
		{Action: ActionNone},
		{Action: ActionNone, Condition: Is(BuiltinLargest)},
		{Action: ActionNone, Condition: Expr("this is not evaluated")},
	}
	for _, s := range steps {
		got, err := p.Apply(context.Background(), candidates, s)
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", s.Label(), err)
		}
		if !reflect.DeepEqual(got, candidates) {
			t.Errorf("Apply(%s) = %v, want %v", s.Label(), ids(got), ids(candidates))
		}
	}
}

func TestPipeline_EmptyInput(t *testing.T) {
	p := NewPipeline(silentLogger(), Include("", Is(BuiltinLargest)))

	if _, err := p.Select(context.Background(), nil); !errors.Is(err, ErrNoCandidates) {
		t.Errorf("Select(nil) error = %v, want ErrNoCandidates", err)
	}

	got, err := p.Apply(context.Background(), nil, Include("", Is(BuiltinLargest)))
	if err != nil || len(got) != 0 {
		t.Errorf("Apply(nil) = %v, %v; want empty, nil", got, err)
	}
}

func TestPipeline_DuplicateIDs(t *testing.T) {
	// Two clones reporting the same identifier.
	candidates := asCandidates(
		testDisk{id: "clone", size: 100, readOnly: true},
		testDisk{id: "clone", size: 200},
	)
	p := NewPipeline(silentLogger(), Exclude("read only", Is(BuiltinReadOnly)))

	if _, err := p.Select(context.Background(), candidates); !errors.Is(err, ErrDuplicateCandidate) {
		t.Errorf("Select() error = %v, want ErrDuplicateCandidate", err)
	}
	if _, err := p.Apply(context.Background(), candidates, Exclude("", Is(BuiltinReadOnly))); !errors.Is(err, ErrDuplicateCandidate) {
		t.Errorf("Apply() error = %v, want ErrDuplicateCandidate", err)
	}
}

func TestPipeline_FirstRemainingWins(t *testing.T) {
	candidates := asCandidates(
		testDisk{id: "A", size: 100},
		testDisk{id: "B", size: 300},
		testDisk{id: "C", size: 300},
	)
	p := NewPipeline(silentLogger(), Include("largest", Is(BuiltinLargest)))

	res, err := p.Explain(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got := ids(res.Remaining); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("Remaining = %v, want [B C]", got)
	}
	if res.Selected.ID() != "B" {
		t.Errorf("Selected = %s, want B", res.Selected.ID())
	}
}

func TestBuiltins(t *testing.T) {
	candidates := asCandidates(
		testDisk{id: "raw", size: 64 * GB, style: "RAW"},
		testDisk{id: "small", size: 32 * GB, partitions: 1, style: "MBR"},
		testDisk{id: "big", size: 2 * TB, partitions: 4, style: "GPT", readOnly: true},
	)

	tests := []struct {
		builtin Builtin
		want    []string
	}{
		{BuiltinEmpty, []string{"raw"}},
		{BuiltinLargest, []string{"big"}},
		{BuiltinSmallest, []string{"small"}},
		{BuiltinReadOnly, []string{"big"}},
		{BuiltinUninitialized, []string{"raw"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.builtin), func(t *testing.T) {
			got, err := evalBuiltin(tt.builtin, candidates)
			if err != nil {
				t.Fatalf("evalBuiltin() error = %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("evalBuiltin(%s) = %v, want %v", tt.builtin, ids(got), tt.want)
			}
		})
	}

	if _, err := evalBuiltin("fastest", candidates); err == nil {
		t.Error("expected error for unknown builtin")
	}
}

func TestSelectFrom(t *testing.T) {
	disks := []testDisk{
		{id: "a", size: 10 * GB},
		{id: "b", size: 20 * GB},
	}
	p := NewPipeline(silentLogger(), Include("", Is(BuiltinLargest)))

	got, err := SelectFrom(context.Background(), p, disks)
	if err != nil {
		t.Fatalf("SelectFrom() error = %v", err)
	}
	if got.id != "b" {
		t.Errorf("SelectFrom() = %s, want b", got.id)
	}
}

func TestStep_Validate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{"include builtin", Include("", Is(BuiltinEmpty)), false},
		{"include expression", Include("", Expr("size > 0")), false},
		{"none without condition", Step{Action: ActionNone}, false},
		{"bad action", Step{Action: "prefer", Condition: Is(BuiltinEmpty)}, true},
		{"missing condition", Step{Action: ActionInclude}, true},
		{"two predicates", Step{Action: ActionInclude, Condition: Condition{Expression: "x", Builtin: BuiltinEmpty}}, true},
		{"unknown builtin", Include("", Is("fastest")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
