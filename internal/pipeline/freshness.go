package pipeline

import (
	"time"

	artifactstore "github.com/Snapier494/mediacache/internal/infra/store/artifact"
)

type freshness int

const (
	freshnessMissing freshness = iota
	freshnessFresh
	freshnessStale
)

// classifyFreshness decides whether a stored artifact still serves.
// Age counts in whole days; an artifact exactly expiresDays old is
// still fresh, one day older is stale.
func classifyFreshness(res *artifactstore.StatResult, expiresDays int, now time.Time) freshness {
	if res == nil || res.LastModified.IsZero() {
		return freshnessMissing
	}

	ageDays := int(now.Sub(res.LastModified).Hours() / 24)
	if ageDays > expiresDays {
		return freshnessStale
	}

	return freshnessFresh
}
