package services

import (
	"math"

	"github.com/temcen/bookrex/pkg/models"
)

// Mix blends two ranked lists. It takes round(total*ratio) items from
// primary and fills the rest from secondary items absent from primary.
// If either list is empty the other is returned truncated.
//
// Unlike a plain split-and-truncate, when secondary runs short the
// unused primary tail tops the result up, so a thin secondary list
// never shrinks the output while primary still has items.
func Mix(primary, secondary []models.Recommendation, ratio float64, total int) []models.Recommendation {
	if total <= 0 {
		return nil
	}
	if len(primary) == 0 {
		return truncate(secondary, total)
	}
	if len(secondary) == 0 {
		return truncate(primary, total)
	}

	primaryCount := int(math.Round(float64(total) * ratio))
	primaryCount = min(max(primaryCount, 0), total, len(primary))

	inPrimary := make(map[string]struct{}, len(primary))
	for _, r := range primary {
		inPrimary[r.BookID] = struct{}{}
	}

	mixed := make([]models.Recommendation, 0, total)
	mixed = append(mixed, primary[:primaryCount]...)
	for _, r := range secondary {
		if len(mixed) >= total {
			break
		}
		if _, ok := inPrimary[r.BookID]; ok {
			continue
		}
		mixed = append(mixed, r)
	}
	for _, r := range primary[primaryCount:] {
		if len(mixed) >= total {
			break
		}
		mixed = append(mixed, r)
	}

	return mixed
}

func truncate(items []models.Recommendation, n int) []models.Recommendation {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// finalize drops rated and duplicate books and truncates to topN.
func finalize(items []models.Recommendation, rated map[string]float64, topN int) []models.Recommendation {
	seen := make(map[string]struct{}, len(items))
	out := make([]models.Recommendation, 0, min(len(items), topN))
	for _, r := range items {
		if len(out) >= topN {
			break
		}
		if _, ok := rated[r.BookID]; ok {
			continue
		}
		if _, ok := seen[r.BookID]; ok {
			continue
		}
		seen[r.BookID] = struct{}{}
		out = append(out, r)
	}
	return out
}
