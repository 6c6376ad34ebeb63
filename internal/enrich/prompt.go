package enrich

import (
	"fmt"
	"strings"
)

var languageNames = map[string]string{
	"zh": "Chinese",
	"en": "English",
	"ja": "Japanese",
	"ko": "Korean",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"ru": "Russian",
}

func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

// buildPrompt assembles the composite enrichment prompt: summary context,
// recent history, keyword list, the current utterance, and the per-task
// instructions with a JSON-only output contract.
func buildPrompt(in Input, contextPrompt string) string {
	var b strings.Builder

	if contextPrompt != "" {
		b.WriteString(contextPrompt)
		b.WriteString("\n\nUse the session context above to interpret the text below. ")
		b.WriteString("Keep refinement and translation consistent with the scene, topic and key points.\n\n")
	}

	if len(in.History) > 0 {
		b.WriteString("Recent utterances:\n")
		for i, h := range in.History {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h)
		}
		b.WriteString("\n")
	}

	if len(in.Keywords) > 0 {
		b.WriteString("Keywords the user cares about:\n")
		b.WriteString(strings.Join(in.Keywords, ", "))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Current text (%s): %s\n\n", languageName(in.SourceLanguage), in.Text)

	lastHistory := ""
	if len(in.History) > 0 {
		lastHistory = in.History[len(in.History)-1]
	}

	b.WriteString("Tasks:\n")
	b.WriteString("1. Keyword relevance: decide whether the current text mentions any of the keywords, ")
	b.WriteString("counting inflected, variant or closely related forms. Any single match means true.\n")
	fmt.Fprintf(&b, "2. Continuation: decide whether the current text continues the most recent utterance [%s] ", lastHistory)
	b.WriteString("purely because the recognizer split one spoken sentence; no other reason counts. Explain briefly if so.\n")
	b.WriteString("3. Refinement: fix recognition and grammar errors in the current text while preserving meaning. ")
	b.WriteString("If it is a continuation, refine it merged with the most recent utterance.\n")
	fmt.Fprintf(&b, "4. Translation: translate into %s; if it is a continuation, translate the merged sentence.\n\n", languageName(in.TargetLanguage))

	b.WriteString("Reply with only this JSON object and nothing else:\n")
	b.WriteString(`{
"refined_text": "...",
"translation": "...",
"is_keyword_match": true/false,
"matched_keywords": ["..."],
"match_reason": "...",
"is_continuation": true/false,
"continuation_reason": "..."
}`)

	return b.String()
}
