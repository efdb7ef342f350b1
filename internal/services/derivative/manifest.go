package derivative

import (
	"encoding/json"
	"sort"
	"strings"

	"tessera/internal/services"
)

// Manifest is the parsed derivative manifest for one translation job. Raw
// keeps the untouched payload so it can be persisted verbatim.
type Manifest struct {
	Raw         json.RawMessage
	Status      string
	Progress    string
	Derivatives []ManifestDerivative
}

// ManifestDerivative is one output tree in the manifest, keyed by the format
// that produced it.
type ManifestDerivative struct {
	Name       string             `json:"name"`
	OutputType string             `json:"outputType"`
	Status     string             `json:"status"`
	Messages   []remoteMessage    `json:"messages"`
	Children   []manifestResource `json:"children"`
}

type manifestResource struct {
	URN      string             `json:"urn"`
	Type     string             `json:"type"`
	Role     string             `json:"role"`
	MIME     string             `json:"mime"`
	Size     int64              `json:"size"`
	Children []manifestResource `json:"children"`
}

// QualityMetrics summarizes a manifest for reporting.
type QualityMetrics struct {
	DerivativeCount int      `json:"derivativeCount"`
	ResourceCount   int      `json:"resourceCount"`
	WarningCount    int      `json:"warningCount"`
	TotalSizeBytes  int64    `json:"totalSizeBytes"`
	OutputTypes     []string `json:"outputTypes"`
}

// ParseManifest decodes a raw manifest payload.
func ParseManifest(raw json.RawMessage) (*Manifest, error) {
	var decoded struct {
		Status      string               `json:"status"`
		Progress    string               `json:"progress"`
		Derivatives []ManifestDerivative `json:"derivatives"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, services.Wrap(services.ErrRemote, "derivative", "parse manifest", "malformed manifest payload", err)
	}
	return &Manifest{
		Raw:         append(json.RawMessage(nil), raw...),
		Status:      decoded.Status,
		Progress:    decoded.Progress,
		Derivatives: decoded.Derivatives,
	}, nil
}

// OutputURNs walks the manifest and collects the derivative resource URNs
// grouped by output format.
func (m *Manifest) OutputURNs() map[string][]string {
	out := make(map[string][]string, len(m.Derivatives))
	for _, derivative := range m.Derivatives {
		key := strings.ToLower(derivative.OutputType)
		if key == "" {
			continue
		}
		urns := out[key]
		for _, child := range derivative.Children {
			urns = collectURNs(child, urns)
		}
		if len(urns) > 0 {
			out[key] = urns
		}
	}
	return out
}

func collectURNs(resource manifestResource, urns []string) []string {
	if resource.URN != "" {
		urns = append(urns, resource.URN)
	}
	for _, child := range resource.Children {
		urns = collectURNs(child, urns)
	}
	return urns
}

// Metrics computes summary quality metrics over the manifest.
func (m *Manifest) Metrics() QualityMetrics {
	metrics := QualityMetrics{DerivativeCount: len(m.Derivatives)}
	types := make(map[string]struct{})
	for _, derivative := range m.Derivatives {
		if derivative.OutputType != "" {
			types[strings.ToLower(derivative.OutputType)] = struct{}{}
		}
		for _, msg := range derivative.Messages {
			if strings.EqualFold(msg.Type, "warning") {
				metrics.WarningCount++
			}
		}
		for _, child := range derivative.Children {
			walkResources(child, &metrics)
		}
	}
	metrics.OutputTypes = make([]string, 0, len(types))
	for name := range types {
		metrics.OutputTypes = append(metrics.OutputTypes, name)
	}
	sort.Strings(metrics.OutputTypes)
	return metrics
}

func walkResources(resource manifestResource, metrics *QualityMetrics) {
	metrics.ResourceCount++
	metrics.TotalSizeBytes += resource.Size
	for _, child := range resource.Children {
		walkResources(child, metrics)
	}
}
