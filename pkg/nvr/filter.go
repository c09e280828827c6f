package nvr

import (
	"github.com/sentinelnvr/sentinel/pkg/config"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

// pointInPolygon is the standard ray-casting point-in-polygon test,
// operating in the same absolute pixel coordinate space as
// config.CoordinateConfig and DetectedObject.Box's Abs* fields.
func pointInPolygon(poly []config.CoordinateConfig, x, y int) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	n := len(poly)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := poly[i].X, poly[i].Y
		xj, yj := poly[j].X, poly[j].Y
		if (yi > y) != (yj > y) &&
			float64(x) < float64(xj-xi)*float64(y-yi)/float64(yj-yi)+float64(xi) {
			inside = !inside
		}
	}
	return inside
}

// maskExcludes reports whether (x, y) falls inside any configured mask
// polygon (SPEC_FULL.md §12 "Mask-based frame exclusion").
func maskExcludes(masks []config.MaskConfig, x, y int) bool {
	for _, m := range masks {
		if pointInPolygon(m.Coordinates, x, y) {
			return true
		}
	}
	return false
}

// zoneFor returns the first configured zone whose polygon contains
// (x, y), or nil if none matches (SPEC_FULL.md §12 "Zone-scoped
// labels").
func zoneFor(zones []config.ZoneConfig, x, y int) *config.ZoneConfig {
	for i := range zones {
		if pointInPolygon(zones[i].Coordinates, x, y) {
			return &zones[i]
		}
	}
	return nil
}

// matchLabel finds the label rule governing obj's label, applying the
// same height/width/confidence bounds spec.md §6's label schema
// describes. A zero threshold (HeightMin == 0, etc.) is treated as
// unbounded on that side.
func matchLabel(labels []config.LabelConfig, obj types.DetectedObject) (config.LabelConfig, bool) {
	for _, lc := range labels {
		if lc.Label != obj.Label {
			continue
		}
		if lc.Confidence > 0 && obj.Confidence < lc.Confidence {
			continue
		}
		if lc.HeightMin > 0 && float64(obj.Box.Height) < lc.HeightMin {
			continue
		}
		if lc.HeightMax > 0 && float64(obj.Box.Height) > lc.HeightMax {
			continue
		}
		if lc.WidthMin > 0 && float64(obj.Box.Width) < lc.WidthMin {
			continue
		}
		if lc.WidthMax > 0 && float64(obj.Box.Width) > lc.WidthMax {
			continue
		}
		return lc, true
	}
	return config.LabelConfig{}, false
}

// objectFilterConfig is the merged mask/zone/label configuration across
// every object scanner attached to one camera, precomputed once at
// Pipeline construction (SPEC_FULL.md §12).
type objectFilterConfig struct {
	masks  []config.MaskConfig
	zones  []config.ZoneConfig
	labels []config.LabelConfig
}

func mergeObjectFilterConfig(scannerConfigs map[string]config.ScannerConfig) objectFilterConfig {
	var merged objectFilterConfig
	for _, cfg := range scannerConfigs {
		merged.masks = append(merged.masks, cfg.Mask...)
		merged.zones = append(merged.zones, cfg.Zones...)
		merged.labels = append(merged.labels, cfg.Labels...)
	}
	return merged
}

// filterObjects implements SPEC_FULL.md §12's zone/mask supplement
// before a detection counts towards anything downstream: an object
// whose center falls inside a mask polygon is dropped outright; an
// object inside a named zone is tagged with that zone and judged
// against the zone's own label rules instead of the scanner's
// top-level ones. A camera with no mask/zone/label configuration at
// all passes objects through unchanged, preserving prior behavior.
func (p *Pipeline) filterObjects(objects []types.DetectedObject) []types.DetectedObject {
	f := p.objectFilter
	if len(f.masks) == 0 && len(f.zones) == 0 && len(f.labels) == 0 {
		return objects
	}

	out := make([]types.DetectedObject, 0, len(objects))
	for _, obj := range objects {
		cx := (obj.Box.AbsX1 + obj.Box.AbsX2) / 2
		cy := (obj.Box.AbsY1 + obj.Box.AbsY2) / 2

		if maskExcludes(f.masks, cx, cy) {
			continue
		}

		labels := f.labels
		if z := zoneFor(f.zones, cx, cy); z != nil {
			obj.Zone = z.Name
			if len(z.Labels) > 0 {
				labels = z.Labels
			}
		}

		if len(labels) > 0 {
			lc, matched := matchLabel(labels, obj)
			if !matched {
				continue
			}
			obj.TriggerEventRecording = lc.TriggerEventRecording
			obj.Store = lc.Store
			obj.RequireMotion = lc.RequireMotion
			obj.Relevant = true
		}

		out = append(out, obj)
	}
	return out
}
