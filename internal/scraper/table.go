package scraper

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pauljones0/shift-code-bot/internal/breaker"
	"github.com/pauljones0/shift-code-bot/internal/expiry"
	"github.com/pauljones0/shift-code-bot/internal/models"
	"github.com/pauljones0/shift-code-bot/internal/util"
)

// TableExtractor reads codes from HTML tables laid out as
// Reward | Expire Date | Code, with columns located by header text.
type TableExtractor struct {
	src     SourceConfig
	fetcher Fetcher
	breaker *breaker.Breaker
}

func NewTableExtractor(src SourceConfig, f Fetcher, b *breaker.Breaker) *TableExtractor {
	return &TableExtractor{src: src, fetcher: f, breaker: b}
}

func (e *TableExtractor) Name() string { return e.src.Name }

func (e *TableExtractor) Extract(ctx context.Context) Result {
	return run(ctx, e.src, e.fetcher, e.breaker, e.parse)
}

func cellText(s *goquery.Selection) string {
	return util.CollapseWhitespace(s.Text())
}

func (e *TableExtractor) parse(doc *goquery.Document) []models.Candidate {
	var codes []models.Candidate

	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := table.Find("tr")
		if rows.Length() < 2 {
			return
		}

		expireIdx := -1
		rows.First().Find("th, td").EachWithBreak(func(i int, cell *goquery.Selection) bool {
			if strings.Contains(strings.ToLower(cellText(cell)), "expire") {
				expireIdx = i
				return false
			}
			return true
		})

		rows.Slice(1, goquery.ToEnd).Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td, th")
			if cells.Length() < 3 {
				return
			}

			var code string
			cells.EachWithBreak(func(_ int, cell *goquery.Selection) bool {
				text := cellText(cell)
				if isPlaceholder(text) || isExcluded(text) {
					return true
				}
				if models.CodePattern.MatchString(text) {
					code = text
					return false
				}
				return true
			})
			if code == "" {
				return
			}

			reward := cellText(cells.First())
			if reward == "" {
				reward = models.DefaultReward
			}

			var exp expiry.Expiry
			if expireIdx >= 0 && expireIdx < cells.Length() {
				exp = expiry.Normalize(cellText(cells.Eq(expireIdx)))
			}

			codes = append(codes, models.Candidate{
				Code:    code,
				Reward:  reward,
				Expires: exp,
				Source:  e.src.Name,
			})
		})
	})

	return codes
}
