// Package report turns events or a persisted campaign into structured
// attack-report data and writes a rendered artifact under the output
// directory. PDF compilation is a collaborator behind the Renderer
// interface; without one the markdown artifact is the deliverable.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

// Renderer compiles structured report data into a final document (for
// example LaTeX to PDF). Compile returns the path of the artifact it
// produced.
type Renderer interface {
	Compile(ctx context.Context, data *ReportData, artifactDir string) (string, error)
}

// campaignLoader is satisfied by campaign.Engine.
type campaignLoader interface {
	GetCampaign(id string) (*models.Campaign, error)
}

// AttackerSummary is one row of the top-attackers table.
type AttackerSummary struct {
	SourceIP   string `json:"source_ip"`
	Country    string `json:"country,omitempty"`
	ASN        string `json:"asn,omitempty"`
	EventCount int    `json:"event_count"`
}

// Statistics are the aggregate figures of a report.
type Statistics struct {
	EventCount    int       `json:"event_count"`
	UniqueSources int       `json:"unique_sources"`
	UniqueTargets int       `json:"unique_targets"`
	FirstEvent    time.Time `json:"first_event"`
	LastEvent     time.Time `json:"last_event"`
}

// ReportData is the structured payload handed to the renderer and
// returned to the caller alongside the artifact path.
type ReportData struct {
	ReportID      string                 `json:"report_id"`
	Template      string                 `json:"template"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Title         string                 `json:"title"`
	Campaign      *models.Campaign       `json:"campaign,omitempty"`
	Events        []models.SecurityEvent `json:"events,omitempty"`
	TopAttackers  []AttackerSummary      `json:"top_attackers"`
	AttackVectors []string               `json:"attack_vectors"`
	Statistics    Statistics             `json:"statistics"`
	ArtifactPath  string                 `json:"artifact_path,omitempty"`
}

// Request is the input to Generate. Exactly one of Events or CampaignID
// must be set.
type Request struct {
	Events     []models.SecurityEvent
	CampaignID string
	Template   string
}

// Generator builds reports.
type Generator struct {
	outputDir string
	campaigns campaignLoader
	renderer  Renderer
	logger    *zap.Logger
	now       func() time.Time
}

// NewGenerator creates a generator. campaigns resolves campaign_id
// requests and may be nil when campaign persistence is disabled;
// renderer may be nil, leaving the markdown artifact as the output.
func NewGenerator(outputDir string, campaigns campaignLoader, renderer Renderer, logger *zap.Logger) *Generator {
	return &Generator{
		outputDir: outputDir,
		campaigns: campaigns,
		renderer:  renderer,
		logger:    logger,
		now:       time.Now,
	}
}

const topAttackerRows = 10

// Generate assembles the report data, writes the markdown artifact
// atomically under <output>/reports/, and runs the renderer when one is
// configured.
func (g *Generator) Generate(ctx context.Context, req Request) (*ReportData, error) {
	if (len(req.Events) == 0) == (req.CampaignID == "") {
		return nil, mcperr.New(mcperr.KindValidation, "exactly one of events or campaign_id is required")
	}
	tmpl, err := lookupTemplate(req.Template)
	if err != nil {
		return nil, err
	}

	data := &ReportData{
		ReportID:    "report-" + uuid.NewString(),
		Template:    tmpl.name,
		GeneratedAt: g.now().UTC(),
	}

	events := req.Events
	if req.CampaignID != "" {
		if g.campaigns == nil {
			return nil, mcperr.New(mcperr.KindResourceUnavailable, "campaign persistence is not enabled")
		}
		campaign, err := g.campaigns.GetCampaign(req.CampaignID)
		if err != nil {
			return nil, err
		}
		data.Campaign = campaign
		data.Title = fmt.Sprintf("Attack Campaign Report: %s", campaign.CampaignID)
		events = make([]models.SecurityEvent, 0, len(campaign.Events))
		for _, ev := range campaign.Events {
			events = append(events, ev.SecurityEvent)
		}
	} else {
		data.Title = fmt.Sprintf("Attack Report: %d events", len(req.Events))
	}
	data.Events = events
	summarize(data, events)

	artifact, err := g.writeArtifact(data, tmpl)
	if err != nil {
		return nil, err
	}
	data.ArtifactPath = artifact

	if g.renderer != nil {
		compiled, err := g.renderer.Compile(ctx, data, filepath.Dir(artifact))
		if err != nil {
			// The markdown artifact already exists; a broken renderer
			// degrades the report, it does not lose it.
			g.logger.Warn("report rendering failed, keeping markdown artifact",
				zap.String("report_id", data.ReportID), zap.Error(err))
		} else {
			data.ArtifactPath = compiled
		}
	}

	g.logger.Info("report generated",
		zap.String("report_id", data.ReportID),
		zap.String("template", data.Template),
		zap.Int("events", len(events)),
	)
	return data, nil
}

// summarize fills the derived sections from the event set.
func summarize(data *ReportData, events []models.SecurityEvent) {
	bySource := make(map[string]*AttackerSummary)
	targets := make(map[string]bool)
	vectors := make(map[string]bool)

	for _, ev := range events {
		if ev.SourceIP != "" {
			s := bySource[ev.SourceIP]
			if s == nil {
				s = &AttackerSummary{SourceIP: ev.SourceIP, Country: ev.Country, ASN: ev.ASN}
				bySource[ev.SourceIP] = s
			}
			s.EventCount++
		}
		if ev.DestinationIP != "" {
			targets[ev.DestinationIP] = true
		}
		if ev.EventType != "" {
			vectors[string(ev.EventType)] = true
		}
		if data.Statistics.FirstEvent.IsZero() || ev.Timestamp.Before(data.Statistics.FirstEvent) {
			data.Statistics.FirstEvent = ev.Timestamp
		}
		if ev.Timestamp.After(data.Statistics.LastEvent) {
			data.Statistics.LastEvent = ev.Timestamp
		}
	}

	attackers := make([]AttackerSummary, 0, len(bySource))
	for _, s := range bySource {
		attackers = append(attackers, *s)
	}
	sort.Slice(attackers, func(i, j int) bool {
		if attackers[i].EventCount != attackers[j].EventCount {
			return attackers[i].EventCount > attackers[j].EventCount
		}
		return attackers[i].SourceIP < attackers[j].SourceIP
	})
	if len(attackers) > topAttackerRows {
		attackers = attackers[:topAttackerRows]
	}

	data.TopAttackers = attackers
	data.Statistics.EventCount = len(events)
	data.Statistics.UniqueSources = len(bySource)
	data.Statistics.UniqueTargets = len(targets)

	data.AttackVectors = make([]string, 0, len(vectors))
	for v := range vectors {
		data.AttackVectors = append(data.AttackVectors, v)
	}
	sort.Strings(data.AttackVectors)
}

// writeArtifact renders the markdown and writes it with an atomic
// replace: temp file in the target directory, then rename.
func (g *Generator) writeArtifact(data *ReportData, tmpl *reportTemplate) (string, error) {
	dir := filepath.Join(g.outputDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", mcperr.Wrap(mcperr.KindInternal, err, "creating report directory")
	}

	body, err := tmpl.render(data)
	if err != nil {
		return "", mcperr.Wrap(mcperr.KindInternal, err, "rendering report template %s", tmpl.name)
	}

	final := filepath.Join(dir, data.ReportID+".md")
	tmp, err := os.CreateTemp(dir, data.ReportID+".*.tmp")
	if err != nil {
		return "", mcperr.Wrap(mcperr.KindInternal, err, "creating report artifact")
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", mcperr.Wrap(mcperr.KindInternal, err, "writing report artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", mcperr.Wrap(mcperr.KindInternal, err, "closing report artifact")
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", mcperr.Wrap(mcperr.KindInternal, err, "publishing report artifact")
	}
	return final, nil
}
