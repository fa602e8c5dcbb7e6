package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyIndicator(t *testing.T) {
	cases := []struct {
		raw  string
		want IndicatorType
	}{
		{"203.0.113.5", IndicatorIPv4},
		{"2001:db8::1", IndicatorIPv6},
		{"evil.example.com", IndicatorDomain},
		{"https://evil.example.com/payload", IndicatorURL},
		{"d41d8cd98f00b204e9800998ecf8427e", IndicatorHash},
		{"da39a3ee5e6b4b0d3255bfef95601890afd80709", IndicatorHash},
		{" 203.0.113.5 ", IndicatorIPv4},
	}
	for _, tc := range cases {
		got, err := ClassifyIndicator(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	for _, bad := range []string{"", "   ", "not an indicator!", "999.999.1.1"} {
		_, err := ClassifyIndicator(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseHelpers_UnknownValuesDegrade(t *testing.T) {
	assert.Equal(t, SeverityHigh, ParseSeverity(" HIGH "))
	assert.Equal(t, SeverityLow, ParseSeverity("catastrophic"))

	assert.Equal(t, CategoryIntrusion, ParseCategory("intrusion"))
	assert.Equal(t, CategoryOther, ParseCategory("weather"))

	assert.Equal(t, EventTypeAuthFailure, ParseEventType("Auth_Failure"))
	assert.Equal(t, EventTypeOther, ParseEventType("dance_party"))
}

func TestAllEventTypes_CoversClosedSet(t *testing.T) {
	for _, et := range AllEventTypes() {
		assert.True(t, et.Valid(), string(et))
	}
	assert.Len(t, AllEventTypes(), 7)
}

func TestAllCorrelationMethods_CoversClosedSet(t *testing.T) {
	for _, m := range AllCorrelationMethods() {
		assert.True(t, m.Valid(), string(m))
	}
	assert.False(t, CorrelationMethod("psychic").Valid())
}

func validEvent() SecurityEvent {
	return SecurityEvent{
		ID:              "e1",
		Timestamp:       time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		EventType:       EventTypeAttack,
		SourceIP:        "203.0.113.5",
		DestinationIP:   "198.51.100.9",
		SourcePort:      51234,
		DestinationPort: 22,
	}
}

func TestSecurityEvent_Validate(t *testing.T) {
	ev := validEvent()
	require.NoError(t, ev.Validate())

	ev = validEvent()
	ev.ID = ""
	assert.Error(t, ev.Validate())

	ev = validEvent()
	ev.Timestamp = time.Time{}
	assert.Error(t, ev.Validate())

	ev = validEvent()
	ev.SourceIP = "not-an-ip"
	assert.Error(t, ev.Validate())

	ev = validEvent()
	ev.DestinationPort = 70000
	assert.Error(t, ev.Validate())

	ev = validEvent()
	bad := 150.0
	ev.ReputationScore = &bad
	assert.Error(t, ev.Validate())

	// Absent optional fields are fine.
	ev = SecurityEvent{ID: "e2", Timestamp: time.Now()}
	assert.NoError(t, ev.Validate())
}

func TestConfidenceFromScore(t *testing.T) {
	assert.Equal(t, ConfidenceCritical, ConfidenceFromScore(0.95))
	assert.Equal(t, ConfidenceCritical, ConfidenceFromScore(0.9))
	assert.Equal(t, ConfidenceHigh, ConfidenceFromScore(0.8))
	assert.Equal(t, ConfidenceMedium, ConfidenceFromScore(0.5))
	assert.Equal(t, ConfidenceLow, ConfidenceFromScore(0.49))

	assert.True(t, ConfidenceHigh.AtLeast(ConfidenceMedium))
	assert.False(t, ConfidenceLow.AtLeast(ConfidenceHigh))
}

func TestCampaign_Validate(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	c := Campaign{
		CampaignID:     "campaign-abc",
		SeedIndicators: []string{"203.0.113.5"},
		StartTime:      base,
		EndTime:        base.Add(time.Hour),
		Events: []CampaignEvent{
			{SecurityEvent: SecurityEvent{ID: "e1", Timestamp: base.Add(30 * time.Minute)}, Role: RoleSeed},
		},
	}
	require.NoError(t, c.Validate())

	c.SeedIndicators = nil
	assert.Error(t, c.Validate())

	c.SeedIndicators = []string{"203.0.113.5"}
	c.EndTime = base.Add(-time.Hour)
	assert.Error(t, c.Validate())

	c.EndTime = base.Add(time.Hour)
	c.Events[0].Timestamp = base.Add(3 * time.Hour)
	assert.Error(t, c.Validate(), "events outside the window fail")

	// Sub-minute slack at the edges is tolerated.
	c.Events[0].Timestamp = c.EndTime.Add(30 * time.Second)
	assert.NoError(t, c.Validate())
}

func TestThreatIntelResult_Validate(t *testing.T) {
	r := ThreatIntelResult{
		Indicator:        "203.0.113.5",
		ConfidenceScore:  0.8,
		SourcesQueried:   []string{"dshield", "otx"},
		SourcesSucceeded: []string{"dshield"},
		SourcesFailed:    []string{"otx"},
	}
	require.NoError(t, r.Validate())

	r.ConfidenceScore = 1.5
	assert.Error(t, r.Validate())

	r.ConfidenceScore = 0.8
	r.SourcesSucceeded = []string{"mystery"}
	assert.Error(t, r.Validate(), "succeeded sources must have been queried")

	r.SourcesSucceeded = []string{"dshield", "otx"}
	assert.Error(t, r.Validate(), "succeeded plus failed must partition queried")
}
