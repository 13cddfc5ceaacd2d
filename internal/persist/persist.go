// Package persist implements scene save/load (spec §6 "Persisted
// state"): each item records its source reference, transform, visibility,
// lock, scale filter, blend mode, and transition configuration. Runtime-
// only state (timestamps, encoder/interleaver state) is never
// serialized. Unknown fields round-trip verbatim (property R1), carried
// in graph.SceneItem's own UnknownFields map.
package persist

import (
	"encoding/json"
	"fmt"

	"github.com/zsiec/corelive/internal/graph"
)

// SourceRef identifies a SceneItem's source by UUID, falling back to
// name if no UUID was recorded (spec §6 "UUID preferred, name
// fallback").
type SourceRef struct {
	UUID string `json:"uuid,omitempty"`
	Name string `json:"name,omitempty"`
}

// TransitionDoc persists a show/hide transition's duration.
type TransitionDoc struct {
	DurationMs int `json:"durationMs"`
}

// ItemDoc is the persisted form of one SceneItem.
type ItemDoc struct {
	Source    SourceRef          `json:"source"`
	Visible   bool               `json:"visible"`
	Locked    bool               `json:"locked"`
	Transform graph.Transform    `json:"transform"`
	ScaleFilt graph.ScaleFilter  `json:"scaleFilter"`
	Blend     graph.BlendMode    `json:"blendMode"`
	ShowTrans *TransitionDoc     `json:"showTransition,omitempty"`
	HideTrans *TransitionDoc     `json:"hideTransition,omitempty"`
}

// SceneDoc is the persisted form of one Scene.
type SceneDoc struct {
	Name  string    `json:"name"`
	Items []ItemDoc `json:"items"`
}

// ItemSource resolves a persisted SourceRef to a live *graph.Source; the
// caller owns the source registry (this package has no concept of one).
type ItemSource func(ref SourceRef) *graph.Source

// BuildItem constructs an ItemDoc from a live SceneItem, resolving its
// source to a SourceRef via ref.
func BuildItem(it *graph.SceneItem, ref func(*graph.Source) SourceRef) ItemDoc {
	doc := ItemDoc{
		Source:    ref(it.Source()),
		Visible:   it.Visible(),
		Locked:    it.Locked(),
		Transform: it.Transform,
		ScaleFilt: it.ScaleFilter,
		Blend:     it.BlendMode,
	}
	if it.ShowTransition != nil {
		doc.ShowTrans = &TransitionDoc{DurationMs: it.ShowTransition.DurationMS}
	}
	if it.HideTransition != nil {
		doc.HideTrans = &TransitionDoc{DurationMs: it.HideTransition.DurationMS}
	}
	return doc
}

// Apply creates a live SceneItem from a persisted ItemDoc, resolving its
// source via resolve and preserving any unrecognized fields found on
// the original JSON object (passed in as raw) onto the item's
// UnknownFields, matching the forward-compatibility rule.
func Apply(doc ItemDoc, raw json.RawMessage, resolve ItemSource) (*graph.SceneItem, error) {
	src := resolve(doc.Source)
	if src == nil {
		return nil, fmt.Errorf("persist: unresolved source %+v", doc.Source)
	}
	it := graph.NewSceneItem(src)
	it.SetVisible(doc.Visible)
	it.SetLocked(doc.Locked)
	it.Transform = doc.Transform
	it.ScaleFilter = doc.ScaleFilt
	it.BlendMode = doc.Blend

	if len(raw) > 0 {
		extra, err := unknownFields(raw)
		if err != nil {
			return nil, err
		}
		it.UnknownFields = extra
	}
	return it, nil
}

var knownItemFields = map[string]bool{
	"source": true, "visible": true, "locked": true, "transform": true,
	"scaleFilter": true, "blendMode": true,
	"showTransition": true, "hideTransition": true,
}

func unknownFields(raw json.RawMessage) (map[string]any, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	extra := make(map[string]any)
	for k, v := range all {
		if knownItemFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, err
		}
		extra[k] = val
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// marshalItemWithExtra merges ItemDoc's known fields with an item's
// UnknownFields into one JSON object; Save calls it for each item.
func marshalItemWithExtra(doc ItemDoc, extra map[string]any) ([]byte, error) {
	known, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// Save serializes a scene's items (with their resolved source refs and
// any preserved unknown fields) into the persisted document form.
func Save(name string, items []*graph.SceneItem, ref func(*graph.Source) SourceRef) ([]byte, error) {
	rawItems := make([]json.RawMessage, len(items))
	for i, it := range items {
		doc := BuildItem(it, ref)
		b, err := marshalItemWithExtra(doc, it.UnknownFields)
		if err != nil {
			return nil, fmt.Errorf("persist: save item %d: %w", i, err)
		}
		rawItems[i] = b
	}
	out := struct {
		Name  string            `json:"name"`
		Items []json.RawMessage `json:"items"`
	}{Name: name, Items: rawItems}
	return json.MarshalIndent(out, "", "  ")
}

// Load parses a persisted scene document, resolving each item's source
// via resolve and preserving unknown per-item fields.
func Load(data []byte, resolve ItemSource) (string, []*graph.SceneItem, error) {
	var doc struct {
		Name  string            `json:"name"`
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", nil, fmt.Errorf("persist: load: %w", err)
	}

	items := make([]*graph.SceneItem, 0, len(doc.Items))
	for i, raw := range doc.Items {
		var id ItemDoc
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", nil, fmt.Errorf("persist: load item %d: %w", i, err)
		}
		it, err := Apply(id, raw, resolve)
		if err != nil {
			return "", nil, fmt.Errorf("persist: load item %d: %w", i, err)
		}
		items = append(items, it)
	}
	return doc.Name, items, nil
}
