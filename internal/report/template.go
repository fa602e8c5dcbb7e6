package report

import (
	"bytes"
	"sort"
	"strings"
	"text/template"
	"time"

	"dshield-mcp-go/internal/mcperr"
)

// The template contract: named built-in templates rendered with Go
// text/template over ReportData. Custom template files are out of
// scope; a renderer collaborator owns anything fancier.
type reportTemplate struct {
	name string
	tmpl *template.Template
}

func (t *reportTemplate) render(data *ReportData) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var templateFuncs = template.FuncMap{
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "n/a"
		}
		return t.UTC().Format(time.RFC3339)
	},
	"join": strings.Join,
}

const standardBody = `# {{.Title}}

Report {{.ReportID}} generated {{ts .GeneratedAt}} (template: {{.Template}})

## Summary

- Events analyzed: {{.Statistics.EventCount}}
- Unique attackers: {{.Statistics.UniqueSources}}
- Unique targets: {{.Statistics.UniqueTargets}}
- Window: {{ts .Statistics.FirstEvent}} to {{ts .Statistics.LastEvent}}
- Attack vectors: {{join .AttackVectors ", "}}
{{- if .Campaign}}
- Campaign: {{.Campaign.CampaignID}} (confidence {{printf "%.2f" .Campaign.ConfidenceScore}}, sophistication {{printf "%.2f" .Campaign.SophisticationScore}})
{{- end}}

## Top Attackers

| Source IP | Country | ASN | Events |
|---|---|---|---|
{{- range .TopAttackers}}
| {{.SourceIP}} | {{.Country}} | {{.ASN}} | {{.EventCount}} |
{{- end}}
`

const executiveBody = `# {{.Title}}

Report {{.ReportID}} generated {{ts .GeneratedAt}}

{{.Statistics.EventCount}} security events from {{.Statistics.UniqueSources}} distinct
sources were observed between {{ts .Statistics.FirstEvent}} and
{{ts .Statistics.LastEvent}}. Observed attack vectors: {{join .AttackVectors ", "}}.
{{- if .Campaign}}

The activity correlates into campaign {{.Campaign.CampaignID}} with an overall
confidence of {{printf "%.2f" .Campaign.ConfidenceScore}}.
{{- end}}
`

const technicalBody = standardBody + `
## Events

| Time | Type | Source | Destination | Protocol |
|---|---|---|---|---|
{{- range .Events}}
| {{ts .Timestamp}} | {{.EventType}} | {{.SourceIP}} | {{.DestinationIP}} | {{.Protocol}} |
{{- end}}
{{- if .Campaign}}

## Indicators

{{- range .Campaign.RelatedIndicators}}
- {{.}}
{{- end}}
{{- end}}
`

var templates = map[string]*reportTemplate{}

func init() {
	for name, body := range map[string]string{
		"standard":  standardBody,
		"executive": executiveBody,
		"technical": technicalBody,
	} {
		templates[name] = &reportTemplate{
			name: name,
			tmpl: template.Must(template.New(name).Funcs(templateFuncs).Parse(body)),
		}
	}
}

// TemplateNames lists the built-in templates, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupTemplate(name string) (*reportTemplate, error) {
	if name == "" {
		name = "standard"
	}
	t, ok := templates[name]
	if !ok {
		return nil, mcperr.New(mcperr.KindValidation, "unknown report template %q, have %s",
			name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}
