package persist

import (
	"strings"
	"testing"

	"github.com/zsiec/corelive/internal/graph"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	src := graph.NewSource("cam1", graph.KindAudio, nil, nil)
	it := graph.NewSceneItem(src)
	it.SetLocked(true)
	it.Transform.PosX = 12.5
	it.BlendMode = graph.BlendAdditive
	it.ScaleFilter = graph.ScaleBicubic

	ref := func(s *graph.Source) SourceRef { return SourceRef{UUID: s.ID} }
	data, err := Save("main", []*graph.SceneItem{it}, ref)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	sources := map[string]*graph.Source{"cam1": src}
	resolve := func(r SourceRef) *graph.Source { return sources[r.UUID] }

	name, items, err := Load(data, resolve)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if name != "main" {
		t.Fatalf("name = %q, want main", name)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	got := items[0]
	if !got.Locked() {
		t.Fatalf("expected locked item")
	}
	if got.Transform.PosX != 12.5 {
		t.Fatalf("PosX = %v, want 12.5", got.Transform.PosX)
	}
	if got.BlendMode != graph.BlendAdditive || got.ScaleFilter != graph.ScaleBicubic {
		t.Fatalf("blend/scale mismatch: %+v", got)
	}
}

// R1: fields unrecognized by this version of the schema round-trip
// verbatim via SceneItem.UnknownFields.
func TestUnknownFieldsRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"name": "main",
		"items": [
			{
				"source": {"uuid": "cam1"},
				"visible": true,
				"locked": false,
				"transform": {},
				"scaleFilter": 0,
				"blendMode": 0,
				"futureFeature": {"angle": 45, "enabled": true}
			}
		]
	}`)

	src := graph.NewSource("cam1", graph.KindAudio, nil, nil)
	resolve := func(r SourceRef) *graph.Source {
		if r.UUID == "cam1" {
			return src
		}
		return nil
	}

	_, items, err := Load(raw, resolve)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].UnknownFields == nil {
		t.Fatalf("expected UnknownFields to carry futureFeature")
	}
	if _, ok := items[0].UnknownFields["futureFeature"]; !ok {
		t.Fatalf("futureFeature missing from UnknownFields: %+v", items[0].UnknownFields)
	}

	ref := func(s *graph.Source) SourceRef { return SourceRef{UUID: s.ID} }
	out, err := Save("main", items, ref)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(string(out), "futureFeature") {
		t.Fatalf("round-tripped output missing futureFeature:\n%s", out)
	}
	if !strings.Contains(string(out), "45") {
		t.Fatalf("round-tripped output missing nested value:\n%s", out)
	}
}

func TestLoadUnresolvedSourceErrors(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"name":"main","items":[{"source":{"uuid":"missing"},"visible":true,"locked":false,"transform":{},"scaleFilter":0,"blendMode":0}]}`)
	_, _, err := Load(raw, func(SourceRef) *graph.Source { return nil })
	if err == nil {
		t.Fatalf("expected error for unresolved source")
	}
}

func TestShowHideTransitionPersisted(t *testing.T) {
	t.Parallel()
	src := graph.NewSource("cam1", graph.KindAudio, nil, nil)
	it := graph.NewSceneItem(src)
	a := graph.NewSource("a", graph.KindAudio, nil, nil)
	b := graph.NewSource("b", graph.KindAudio, nil, nil)
	it.ShowTransition = graph.NewTransition(a, b, 300)

	ref := func(s *graph.Source) SourceRef { return SourceRef{UUID: s.ID} }
	data, err := Save("main", []*graph.SceneItem{it}, ref)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(string(data), `"durationMs": 300`) {
		t.Fatalf("expected showTransition duration persisted:\n%s", data)
	}
}
