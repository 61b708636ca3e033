package masking

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// CurrentMaskVersion is the mask file version written by Save.
const CurrentMaskVersion = 2

// Record is the serialized form of one mask.
type Record struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"mtype"`
	Visible          bool   `yaml:"visible"`
	Border           bool   `yaml:"border"`
	CreationViewMode string `yaml:"creation_view_mode"`
	XRaySource       string `yaml:"xray_source,omitempty"`

	// Data holds the polylines of geometric masks, keyed by detector
	// name and then an integer index preserving polyline order.
	Data map[string]map[string][][]float64 `yaml:"data,omitempty"`

	// MinVal and MaxVal are set for threshold masks only.
	MinVal *float64 `yaml:"min_val,omitempty"`
	MaxVal *float64 `yaml:"max_val,omitempty"`
}

type maskFile struct {
	Version       int       `yaml:"version"`
	BoundaryStyle LineStyle `yaml:"boundary_style"`
	Highlight     LineStyle `yaml:"highlight_style"`
	Masks         []Record  `yaml:"masks"`
}

// Save writes the registry contents to path in the current file
// version.
func (r *Registry) Save(path string) error {
	r.mu.Lock()
	file := maskFile{
		Version:       CurrentMaskVersion,
		BoundaryStyle: r.boundary,
		Highlight:     r.highlight,
	}
	for _, name := range r.order {
		file.Masks = append(file.Masks, r.masks[name].record())
	}
	r.mu.Unlock()

	out, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling masks: %v", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("writing mask file: %v", err)
	}
	return nil
}

// Load reads a mask file, migrating older versions forward, and
// replaces the registry contents with it.
func (r *Registry) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading mask file: %v", err)
	}

	var probe struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("parsing mask file: %v", err)
	}
	version := probe.Version
	if version == 0 {
		// pre-versioning files carry no version key
		version = 1
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing mask file: %v", err)
	}

	for version < CurrentMaskVersion {
		migrate, ok := migrations[[2]int{version, version + 1}]
		if !ok {
			return fmt.Errorf("no migration for mask file version %d", version)
		}
		doc = migrate(doc)
		version++
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("remarshaling migrated masks: %v", err)
	}
	var file maskFile
	if err := yaml.Unmarshal(out, &file); err != nil {
		return fmt.Errorf("parsing migrated masks: %v", err)
	}

	r.mu.Lock()
	r.masks = make(map[string]Mask)
	r.order = nil
	if file.BoundaryStyle != (LineStyle{}) {
		r.boundary = file.BoundaryStyle
	}
	if file.Highlight != (LineStyle{}) {
		r.highlight = file.Highlight
	}
	for _, rec := range file.Masks {
		m, err := maskFromRecord(rec)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.insert(m)
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

func maskFromRecord(rec Record) (Mask, error) {
	base := baseMask{
		name:       rec.Name,
		mtype:      Type(rec.Type),
		visible:    rec.Visible,
		showBorder: rec.Border,
		mode:       ViewMode(rec.CreationViewMode),
		xraySource: rec.XRaySource,
	}
	if base.mode == "" {
		base.mode = ViewRaw
	}

	if base.mtype == TypeThreshold {
		m := &ThresholdMask{baseMask: base}
		if rec.MinVal != nil {
			m.MinVal = *rec.MinVal
		}
		if rec.MaxVal != nil {
			m.MaxVal = *rec.MaxVal
		}
		return m, nil
	}

	m := &RegionMask{baseMask: base}
	type indexed struct {
		det   string
		idx   int
		verts [][]float64
	}
	var lines []indexed
	for det, byIdx := range rec.Data {
		for key, verts := range byIdx {
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("mask %q: bad polyline index %q", rec.Name, key)
			}
			lines = append(lines, indexed{det, idx, verts})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].idx != lines[j].idx {
			return lines[i].idx < lines[j].idx
		}
		return lines[i].det < lines[j].det
	})
	for _, ln := range lines {
		pl := DetectorPolyline{Detector: ln.det}
		for _, v := range ln.verts {
			if len(v) != 2 {
				return nil, fmt.Errorf("mask %q: vertex must have 2 coordinates, got %d", rec.Name, len(v))
			}
			pl.Points = append(pl.Points, [2]float64{v[0], v[1]})
		}
		m.coords = append(m.coords, pl)
	}
	return m, nil
}

// migrations maps (from, to) version pairs to document transforms.
// Load chains them until the document reaches the current version.
var migrations = map[[2]int]func(map[string]interface{}) map[string]interface{}{
	{1, 2}: migrateV1toV2,
}

// migrateV1toV2 converts the original mask layout. Version 1 keyed
// geometric masks as detector -> mask name -> polyline index, kept a
// single top level "_visible" name list instead of per mask
// visibility, stored the threshold window under
// "threshold" -> "values", and had no border flags.
func migrateV1toV2(doc map[string]interface{}) map[string]interface{} {
	visible := make(map[string]bool)
	if vis, ok := doc["_visible"].([]interface{}); ok {
		for _, v := range vis {
			if s, ok := v.(string); ok {
				visible[s] = true
			}
		}
	}

	// regroup detector -> name -> idx into name -> detector -> idx
	byName := make(map[string]map[string]map[string]interface{})
	for det, v := range doc {
		if det == "_visible" || det == "threshold" || det == "version" {
			continue
		}
		masks, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		for name, polys := range masks {
			byIdx, ok := polys.(map[string]interface{})
			if !ok {
				continue
			}
			if byName[name] == nil {
				byName[name] = make(map[string]map[string]interface{})
			}
			if byName[name][det] == nil {
				byName[name][det] = make(map[string]interface{})
			}
			for idx, verts := range byIdx {
				byName[name][det][idx] = verts
			}
		}
	}

	var records []interface{}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data := make(map[string]interface{})
		for det, byIdx := range byName[name] {
			data[det] = byIdx
		}
		records = append(records, map[string]interface{}{
			"name":               name,
			"mtype":              "unknown",
			"visible":            visible[name],
			"border":             false,
			"creation_view_mode": string(ViewRaw),
			"data":               data,
		})
	}

	if th, ok := doc["threshold"].(map[string]interface{}); ok {
		rec := map[string]interface{}{
			"name":               "threshold",
			"mtype":              string(TypeThreshold),
			"visible":            visible["threshold"],
			"border":             false,
			"creation_view_mode": string(ViewRaw),
		}
		if values, ok := th["values"].([]interface{}); ok && len(values) == 2 {
			rec["min_val"] = values[0]
			rec["max_val"] = values[1]
		}
		records = append(records, rec)
	}

	return map[string]interface{}{
		"version": 2,
		"masks":   records,
	}
}
