package generation

import (
	"strings"

	"fable/internal/domain/models/chat"
	"fable/internal/service/stream"
)

// sentenceTerminators are the runes a sentence may legitimately end on,
// including closing quotes and markdown emphasis that follow the punctuation.
const sentenceTerminators = ".!?…"

const trailingClosers = "\"'”’)*_`"

// postProcess runs the finalization pipeline on accumulated text: strip a
// leading echoed name marker the decoder may have missed, optionally trim a
// trailing incomplete sentence, optionally apply client-side word
// substitutions when the backend does not filter server-side.
func postProcess(text, characterName string, settings chat.SessionSettings, serverFiltering bool) string {
	text = stream.StripLeadingMarker(text, characterName)
	if settings.TrimIncompleteSentence {
		text = trimIncompleteSentence(text)
	}
	if !serverFiltering {
		text = applySubstitutions(text, settings.WordSubstitutions)
	}
	return text
}

// postProcessSuffix is the continue-mode variant: the pipeline applies to the
// streamed suffix only, and the name-marker strip is skipped because the
// suffix starts mid-sentence.
func postProcessSuffix(suffix string, settings chat.SessionSettings, serverFiltering bool) string {
	if settings.TrimIncompleteSentence {
		suffix = trimIncompleteSentence(suffix)
	}
	if !serverFiltering {
		suffix = applySubstitutions(suffix, settings.WordSubstitutions)
	}
	return suffix
}

// trimIncompleteSentence cuts text back to the last completed sentence. Text
// with no completed sentence at all is returned unchanged rather than
// emptied.
func trimIncompleteSentence(text string) string {
	trimmed := strings.TrimRight(text, " \t\n")
	if trimmed == "" {
		return text
	}

	cut := -1
	runes := []rune(trimmed)
	for i := len(runes) - 1; i >= 0; i-- {
		if strings.ContainsRune(sentenceTerminators, runes[i]) {
			end := i + 1
			for end < len(runes) && strings.ContainsRune(trailingClosers, runes[end]) {
				end++
			}
			cut = end
			break
		}
	}
	if cut < 0 {
		return text
	}
	return string(runes[:cut])
}

// applySubstitutions runs the session's word-substitution rules in order.
func applySubstitutions(text string, rules []chat.WordSubstitution) string {
	for _, rule := range rules {
		if rule.Find == "" {
			continue
		}
		text = strings.ReplaceAll(text, rule.Find, rule.Replace)
	}
	return text
}
