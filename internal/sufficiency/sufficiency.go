// Package sufficiency scores interview transcripts against fixed topic
// categories to decide whether enough material has been gathered to end the
// interview.
package sufficiency

import (
	"strings"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

// Category is one of the fixed topic categories an interview should cover.
type Category string

const (
	CategoryService    Category = "service"
	CategoryProduct    Category = "product"
	CategoryAtmosphere Category = "atmosphere"
	CategoryPrice      Category = "price"
	CategoryFeedback   Category = "feedback"
)

// MaxScore is the number of categories, and therefore the highest possible score.
const MaxScore = 5

// Categories lists all categories in a fixed evaluation order.
var Categories = []Category{
	CategoryService,
	CategoryProduct,
	CategoryAtmosphere,
	CategoryPrice,
	CategoryFeedback,
}

// categoryKeywords holds the static keyword sets. A category is satisfied if
// any keyword appears as a case-insensitive substring of the concatenated
// user-role message text.
var categoryKeywords = map[Category][]string{
	CategoryService: {
		"接客", "サービス", "店員", "スタッフ", "対応", "態度",
		"service", "staff", "waiter", "server", "friendly",
	},
	CategoryProduct: {
		"料理", "商品", "味", "メニュー", "品質", "おいしい", "美味",
		"food", "dish", "product", "menu", "taste", "quality",
	},
	CategoryAtmosphere: {
		"雰囲気", "内装", "店内", "清潔", "居心地", "音楽",
		"atmosphere", "ambiance", "interior", "clean", "cozy", "vibe",
	},
	CategoryPrice: {
		"価格", "値段", "料金", "コスパ", "高い", "安い",
		"price", "cost", "expensive", "cheap", "value",
	},
	CategoryFeedback: {
		"改善", "要望", "提案", "もっと", "次回", "また行",
		"improve", "suggest", "wish", "better", "recommend",
	},
}

// Evaluation is the result of scoring a transcript.
type Evaluation struct {
	SatisfiedCategories []Category
	Score               int
}

// Satisfied reports whether the given category was satisfied.
func (e Evaluation) Satisfied(c Category) bool {
	for _, sc := range e.SatisfiedCategories {
		if sc == c {
			return true
		}
	}
	return false
}

// CategoryNames returns the satisfied categories as plain strings for
// persistence and API payloads.
func (e Evaluation) CategoryNames() []string {
	names := make([]string, 0, len(e.SatisfiedCategories))
	for _, c := range e.SatisfiedCategories {
		names = append(names, string(c))
	}
	return names
}

// Evaluate scores the transcript. It is deterministic and stateless: the same
// transcript always produces the same evaluation, and repeated calls are safe.
func Evaluate(t models.Transcript) Evaluation {
	var sb strings.Builder
	for _, m := range t {
		if m.Role == models.RoleUser {
			sb.WriteString(m.Text)
			sb.WriteString("\n")
		}
	}
	corpus := strings.ToLower(sb.String())

	var satisfied []Category
	for _, cat := range Categories {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(corpus, strings.ToLower(kw)) {
				satisfied = append(satisfied, cat)
				break
			}
		}
	}
	return Evaluation{SatisfiedCategories: satisfied, Score: len(satisfied)}
}
