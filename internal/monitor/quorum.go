package monitor

import (
	"strings"

	"github.com/makt28/vigil/internal/model"
)

const (
	// UnknownRegion groups validators without a known location.
	UnknownRegion = "unknown"
	unknownCause  = "unknown"
)

// Decision is the quorum judgment for one target in one round.
type Decision struct {
	IsDown         bool
	BadCount       int
	GoodCount      int
	BadRegionCount int
	SampleCount    int
	Quorum         int
	Severity       model.Severity
	RootCauseHint  string
}

// Decide judges a round from its surviving votes. regions maps validator id
// to location. The target is down when either the number of distinct regions
// reporting Bad or the raw number of Bad votes reaches the clamped quorum.
func Decide(votes []model.Vote, regions map[string]string, quorum int) Decision {
	d := Decision{
		SampleCount:   len(votes),
		Severity:      model.SeverityP3,
		RootCauseHint: unknownCause,
	}

	badRegions := make(map[string]struct{})
	causeCounts := make(map[string]int)
	var causeOrder []string

	for _, v := range votes {
		if v.Severity.Outranks(d.Severity) {
			d.Severity = v.Severity
		}
		if v.Status != model.StatusBad {
			continue
		}
		d.BadCount++

		region := regions[v.ValidatorID]
		if region == "" {
			region = UnknownRegion
		}
		badRegions[region] = struct{}{}

		cause := ClassifyRootCause(v.Details)
		if _, seen := causeCounts[cause]; !seen {
			causeOrder = append(causeOrder, cause)
		}
		causeCounts[cause]++
	}

	d.GoodCount = d.SampleCount - d.BadCount
	d.BadRegionCount = len(badRegions)
	d.Quorum = clamp(quorum, 1, max(d.SampleCount, 1))
	d.IsDown = d.BadRegionCount >= d.Quorum || d.BadCount >= d.Quorum

	best := 0
	for _, cause := range causeOrder {
		if causeCounts[cause] > best {
			best = causeCounts[cause]
			d.RootCauseHint = cause
		}
	}
	return d
}

// ClassifyRootCause maps a probe detail to a coarse cause tag.
func ClassifyRootCause(detail string) string {
	text := strings.ToLower(detail)
	switch {
	case text == "":
		return unknownCause
	case strings.Contains(text, "dns"):
		return "dns"
	case strings.Contains(text, "tls"), strings.Contains(text, "certificate"):
		return "tls"
	case strings.Contains(text, "timeout"):
		return "timeout"
	case strings.Contains(text, "keyword"):
		return "keyword"
	case strings.Contains(text, "http 5"):
		return "http_5xx"
	case strings.Contains(text, "http 4"):
		return "http_4xx"
	default:
		return "network"
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
