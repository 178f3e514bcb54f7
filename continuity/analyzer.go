package continuity

import (
	"regexp"
	"sort"
	"strings"
)

// HeuristicAnalyzer extracts characters, themes, and open questions from
// chapter text with regular expressions. It is intentionally shallow:
// a placeholder for a model-backed analyzer behind the same interface.
type HeuristicAnalyzer struct {
	maxCharacters int
	maxQuestions  int
}

// NewHeuristicAnalyzer creates the default analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{maxCharacters: 12, maxQuestions: 5}
}

var (
	// Capitalized word pairs ("Ada Lovelace") or repeated capitalized
	// single words are treated as character names.
	nameRe = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)?\b`)

	// Sentences ending in a question mark are candidate open questions.
	questionRe = regexp.MustCompile(`[^.!?]*\?`)

	wordRe = regexp.MustCompile(`\S+`)
)

// themeKeywords maps surface vocabulary to coarse themes.
var themeKeywords = map[string][]string{
	"loss":       {"grief", "mourning", "funeral", "loss"},
	"betrayal":   {"betray", "deceit", "treachery", "lied to"},
	"redemption": {"redeem", "forgive", "atone", "second chance"},
	"power":      {"throne", "empire", "conquer", "rule"},
	"love":       {"love", "beloved", "longing", "heart"},
	"survival":   {"survive", "starving", "shelter", "escape"},
}

// sentenceStarters are capitalized words that look like names but are
// almost always sentence-initial function words.
var sentenceStarters = map[string]bool{
	"The": true, "A": true, "An": true, "And": true, "But": true,
	"She": true, "He": true, "They": true, "It": true, "When": true,
	"Then": true, "There": true, "This": true, "That": true, "If": true,
	"In": true, "On": true, "At": true, "As": true, "By": true,
	"His": true, "Her": true, "Their": true, "What": true, "Why": true,
	"How": true, "Not": true, "No": true, "Yes": true, "Now": true,
}

// Analyze extracts narrative state from content.
func (a *HeuristicAnalyzer) Analyze(content string) *Analysis {
	out := &Analysis{
		WordCount: len(wordRe.FindAllString(content, -1)),
	}

	// Characters: capitalized names appearing at least twice, most
	// frequent first.
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, m := range nameRe.FindAllString(content, -1) {
		first := strings.SplitN(m, " ", 2)[0]
		if sentenceStarters[first] && !strings.Contains(m, " ") {
			continue
		}
		if counts[m] == 0 {
			order = append(order, m)
		}
		counts[m]++
	}
	for _, name := range order {
		if counts[name] >= 2 {
			out.Characters = append(out.Characters, name)
			if len(out.Characters) >= a.maxCharacters {
				break
			}
		}
	}

	// Themes: keyword sweep, sorted for stable output.
	lower := strings.ToLower(content)
	for theme, kws := range themeKeywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				out.Themes = append(out.Themes, theme)
				break
			}
		}
	}
	sort.Strings(out.Themes)

	// Open questions: trailing interrogative sentences.
	questions := questionRe.FindAllString(content, -1)
	for _, q := range questions {
		q = strings.TrimSpace(q)
		if len(q) < 12 {
			continue
		}
		out.OpenQuestions = append(out.OpenQuestions, q)
		if len(out.OpenQuestions) >= a.maxQuestions {
			break
		}
	}

	// Summary: first two sentences, clipped.
	out.Summary = clipSummary(content, 280)

	return out
}

func clipSummary(content string, limit int) string {
	s := strings.TrimSpace(content)
	if s == "" {
		return ""
	}
	if idx := strings.IndexAny(s, "\n"); idx > 0 {
		s = s[:idx]
	}
	if len(s) > limit {
		s = s[:limit]
	}
	return strings.TrimSpace(s)
}
