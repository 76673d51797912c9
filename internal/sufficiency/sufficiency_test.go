package sufficiency

import (
	"testing"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

func userTurn(text string) models.Message {
	return models.NewMessage(models.RoleUser, text)
}

func TestEvaluateSingleCategory(t *testing.T) {
	tr := models.Transcript{userTurn("接客が悪かった")}
	eval := Evaluate(tr)
	if eval.Score != 1 {
		t.Errorf("score = %d, want 1", eval.Score)
	}
	if !eval.Satisfied(CategoryService) {
		t.Error("expected service category to be satisfied")
	}
	for _, cat := range []Category{CategoryProduct, CategoryAtmosphere, CategoryPrice, CategoryFeedback} {
		if eval.Satisfied(cat) {
			t.Errorf("category %s should not be satisfied", cat)
		}
	}
}

func TestEvaluateAllCategories(t *testing.T) {
	tr := models.Transcript{
		userTurn("スタッフの対応がとても丁寧でした"),
		userTurn("料理の味も良かったです"),
		userTurn("店内は清潔で雰囲気も落ち着いていました"),
		userTurn("値段は少し高いと感じました"),
		userTurn("メニューの写真を増やすと改善になると思います"),
	}
	eval := Evaluate(tr)
	if eval.Score != MaxScore {
		t.Errorf("score = %d, want %d", eval.Score, MaxScore)
	}
}

func TestEvaluateIgnoresAgentMessages(t *testing.T) {
	tr := models.Transcript{
		models.NewMessage(models.RoleAgent, "接客や料理や雰囲気や価格や改善点について教えてください"),
		userTurn("はい"),
	}
	eval := Evaluate(tr)
	if eval.Score != 0 {
		t.Errorf("score = %d, want 0 (agent text must not count)", eval.Score)
	}
}

func TestEvaluateCaseInsensitiveEnglish(t *testing.T) {
	tr := models.Transcript{userTurn("The STAFF was very friendly and the Food was great")}
	eval := Evaluate(tr)
	if !eval.Satisfied(CategoryService) || !eval.Satisfied(CategoryProduct) {
		t.Errorf("expected service and product satisfied, got %v", eval.SatisfiedCategories)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	tr := models.Transcript{
		userTurn("接客が良かった"),
		userTurn("コスパも最高"),
	}
	first := Evaluate(tr)
	for i := 0; i < 5; i++ {
		again := Evaluate(tr)
		if again.Score != first.Score || len(again.SatisfiedCategories) != len(first.SatisfiedCategories) {
			t.Fatalf("evaluation not deterministic: %v vs %v", again, first)
		}
		for j := range again.SatisfiedCategories {
			if again.SatisfiedCategories[j] != first.SatisfiedCategories[j] {
				t.Fatalf("category order not stable: %v vs %v", again.SatisfiedCategories, first.SatisfiedCategories)
			}
		}
	}
}

func TestEvaluateMonotonicUnderAppends(t *testing.T) {
	tr := models.Transcript{userTurn("接客が丁寧でした")}
	prev := Evaluate(tr).Score
	additions := []string{"味も良い", "雰囲気が好き", "値段も手頃", "特にないです"}
	for _, text := range additions {
		tr = append(tr, userTurn(text))
		score := Evaluate(tr).Score
		if score < prev {
			t.Fatalf("score decreased from %d to %d after appending %q", prev, score, text)
		}
		prev = score
	}
}

func TestCategoryNames(t *testing.T) {
	eval := Evaluation{SatisfiedCategories: []Category{CategoryService, CategoryPrice}}
	names := eval.CategoryNames()
	if len(names) != 2 || names[0] != "service" || names[1] != "price" {
		t.Errorf("CategoryNames = %v", names)
	}
}
