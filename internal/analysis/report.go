package analysis

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// Thresholds behind the rule-based findings.
const (
	lowDetectionRate   = 0.6
	trackingGapSeconds = 2.0
	minElbowRange      = 30.0
	minKneeRange       = 15.0
	asymmetryDegrees   = 25.0
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
	"sec": func(f float64) string { return fmt.Sprintf("%.1fs", f) },
	"deg": func(f float64) string { return fmt.Sprintf("%.0f°", f) },
}).Parse(`Technique report
Video length: {{sec .Metrics.DurationSeconds}}, {{.Metrics.SampleCount}} sampled frames, subject detected in {{pct .Metrics.DetectionRate}} of expected frames.
{{- if .Metrics.Joints}}

Joint ranges:
{{- range .Metrics.Joints}}
  {{.Joint}}: {{deg .Min}} to {{deg .Max}} (mean {{deg .Mean}}, range {{deg .Range}})
{{- end}}
{{- end}}

Findings:
{{- range .Findings}}
  - {{.}}
{{- end}}
`))

// TemplateRenderer turns metrics into rule-based findings and a plain-text report.
type TemplateRenderer struct{}

// NewTemplateRenderer returns the default renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

// Render returns the findings list and the report text.
func (r *TemplateRenderer) Render(m models.Metrics) ([]string, string, error) {
	findings := Findings(m)

	var b strings.Builder
	err := reportTemplate.Execute(&b, struct {
		Metrics  models.Metrics
		Findings []string
	}{m, findings})
	if err != nil {
		return nil, "", fmt.Errorf("rendering report: %w", err)
	}
	return findings, b.String(), nil
}

// Findings applies the coaching rules to m. It never returns an empty slice.
func Findings(m models.Metrics) []string {
	if m.SampleCount == 0 {
		return []string{"No pose was detected in the video; check framing and lighting and record again."}
	}

	var out []string
	if m.DetectionRate < lowDetectionRate {
		out = append(out, fmt.Sprintf(
			"The player was tracked in only %.0f%% of frames; film from a steadier angle with the full body in view.",
			m.DetectionRate*100))
	}
	if m.LongestGapSeconds > trackingGapSeconds {
		out = append(out, fmt.Sprintf(
			"Tracking dropped out for up to %.1fs; parts of the stroke were not analysed.", m.LongestGapSeconds))
	}

	joints := make(map[string]models.JointStats, len(m.Joints))
	for _, j := range m.Joints {
		joints[j.Joint] = j
	}
	for _, side := range []string{"left", "right"} {
		if e, ok := joints[side+"_elbow"]; ok && e.Range < minElbowRange {
			out = append(out, fmt.Sprintf(
				"Limited %s elbow extension (range %.0f°); work on a fuller swing.", side, e.Range))
		}
		if k, ok := joints[side+"_knee"]; ok && k.Range < minKneeRange {
			out = append(out, fmt.Sprintf(
				"Little %s knee bend (range %.0f°); load the legs more before striking.", side, k.Range))
		}
	}
	if l, ok := joints["left_shoulder"]; ok {
		if r, ok := joints["right_shoulder"]; ok && abs(l.Range-r.Range) > asymmetryDegrees {
			out = append(out, fmt.Sprintf(
				"Shoulder rotation is asymmetric (left %.0f°, right %.0f°).", l.Range, r.Range))
		}
	}

	if len(out) == 0 {
		out = append(out, "No technique issues detected in the tracked frames.")
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
