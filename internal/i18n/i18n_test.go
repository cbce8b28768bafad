package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pavelanni/autograder/internal/correctmap"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "AppTitle"); got != "Autograder" {
		t.Errorf("T(AppTitle) = %q, want 'Autograder'", got)
	}
	if got := CorrectnessLabel(ctx, correctmap.PartiallyCorrect); got != "Partially correct" {
		t.Errorf("CorrectnessLabel(partially-correct) = %q", got)
	}
	if got := StatusLabel(ctx, true); got != "Waiting for grader" {
		t.Errorf("StatusLabel(true) = %q", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	if got := CorrectnessLabel(ctx, correctmap.Correct); got != "Верно" {
		t.Errorf("CorrectnessLabel(correct) = %q, want 'Верно'", got)
	}
	if got := CorrectnessLabel(ctx, "bogus"); got != "Неверно" {
		t.Errorf("CorrectnessLabel(bogus) = %q, want 'Неверно'", got)
	}
	if got := StatusLabel(ctx, false); got != "Проверено" {
		t.Errorf("StatusLabel(false) = %q, want 'Проверено'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "AnswersQueued", 1); got != "1 answer is waiting for the grader." {
		t.Errorf("Tp(AnswersQueued, 1) = %q", got)
	}
	if got := Tp(ctx, "AnswersQueued", 3); got != "3 answers are waiting for the grader." {
		t.Errorf("Tp(AnswersQueued, 3) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ScoreSummary", map[string]any{"Score": 2, "MaxScore": 3})
	if got != "2 of 3 points" {
		t.Errorf("Td(ScoreSummary) = %q, want '2 of 3 points'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewareLanguageSelection(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "StatusGraded")
	}))

	tests := []struct {
		name, target, accept, want string
	}{
		{"server default", "/", "", "Graded"},
		{"accept-language", "/", "ru-RU,ru;q=0.9", "Проверено"},
		{"query overrides header", "/?lang=en", "ru", "Graded"},
		{"unsupported falls back", "/", "de", "Graded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
