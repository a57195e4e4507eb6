package dedupe

import "github.com/pauljones0/shift-code-bot/internal/models"

// Dedupe keeps the first candidate for each normalized code and drops later
// ones. Order is preserved.
func Dedupe(candidates []models.Candidate) []models.Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := models.NormalizeCode(c.Code)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Merge concatenates per-source results in the order given and dedupes the
// combined list, so earlier sources win.
func Merge(results ...[]models.Candidate) []models.Candidate {
	var n int
	for _, r := range results {
		n += len(r)
	}
	all := make([]models.Candidate, 0, n)
	for _, r := range results {
		all = append(all, r...)
	}
	return Dedupe(all)
}
