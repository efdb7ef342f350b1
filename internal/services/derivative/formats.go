package derivative

import (
	"fmt"
	"sort"
	"strings"

	"tessera/internal/services"
)

// Quality levels accepted by Submit. They scale the sub-configuration of
// formats that have a size/fidelity knob (thumbnails today).
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
)

// formatSpec pins down the sub-configuration each output format requires.
// The remote service rejects jobs missing these keys, so the table is the
// authoritative mapping from format name to required configuration.
type formatSpec struct {
	defaults func(quality string) map[string]any
}

var formatTable = map[string]formatSpec{
	// Viewable geometry derivatives need view-generation flags.
	"svf": {defaults: func(string) map[string]any {
		return map[string]any{"views": []any{"2d", "3d"}}
	}},
	"svf2": {defaults: func(string) map[string]any {
		return map[string]any{"views": []any{"2d", "3d"}}
	}},
	// Thumbnails need pixel dimensions, scaled by quality.
	"thumbnail": {defaults: func(quality string) map[string]any {
		size := thumbnailSize(quality)
		return map[string]any{"width": size, "height": size}
	}},
	// Mesh exports need the file structure flag.
	"stl": {defaults: func(string) map[string]any {
		return map[string]any{"format": "binary", "exportFileStructure": "single"}
	}},
	"obj": {defaults: func(string) map[string]any {
		return map[string]any{"unit": "meter", "exportFileStructure": "single"}
	}},
	"ifc": {defaults: func(string) map[string]any {
		return map[string]any{}
	}},
}

// extensionDefaults carries per-source-extension tuning merged into geometry
// format configurations. Discovered from the trailing extension of the
// decoded object key.
var extensionDefaults = map[string]map[string]any{
	"rvt": {"generateMasterViews": true},
	"rfa": {"generateMasterViews": true},
	"ifc": {"conversionMethod": "modern"},
	"dwg": {"2dviews": "modern"},
	"nwd": {},
	"ipt": {},
	"iam": {},
}

func thumbnailSize(quality string) int {
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case QualityLow:
		return 100
	case QualityHigh:
		return 400
	default:
		return 200
	}
}

func isGeometryFormat(format string) bool {
	switch format {
	case "svf", "svf2":
		return true
	default:
		return false
	}
}

// KnownFormats returns the sorted list of supported output format names.
func KnownFormats() []string {
	names := make([]string, 0, len(formatTable))
	for name := range formatTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildFormatConfig resolves one output format's configuration: table
// defaults, then per-extension defaults for geometry formats, then caller
// overrides deep-merged on top.
func buildFormatConfig(format, quality, sourceExt string, overrides map[string]any) (map[string]any, error) {
	name := strings.ToLower(strings.TrimSpace(format))
	spec, ok := formatTable[name]
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "derivative", "build config",
			fmt.Sprintf("unknown output format %q (supported: %s)", format, strings.Join(KnownFormats(), ", ")), nil)
	}

	cfg := spec.defaults(quality)
	if isGeometryFormat(name) {
		if extra, ok := extensionDefaults[sourceExt]; ok {
			cfg = deepMerge(cfg, extra)
		}
	}
	if len(overrides) > 0 {
		cfg = deepMerge(cfg, overrides)
	}
	cfg["type"] = name
	return cfg, nil
}

// deepMerge layers overlay onto base: scalar keys replace, nested map keys
// merge recursively. Neither input is mutated.
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range overlay {
		overlayMap, overlayIsMap := value.(map[string]any)
		baseMap, baseIsMap := out[key].(map[string]any)
		if overlayIsMap && baseIsMap {
			out[key] = deepMerge(baseMap, overlayMap)
			continue
		}
		out[key] = value
	}
	return out
}
