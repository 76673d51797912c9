// Package conversation orchestrates interview sessions.
//
// This file extracts enumerable topic suggestions from the agent's first
// free-text message. The output is advisory UI metadata, not transcript
// content.
package conversation

import (
	"regexp"
	"strings"
)

// maxTopicOptions caps the number of extracted suggestions.
const maxTopicOptions = 6

// DefaultTopicOptions is used when no suggestions can be parsed out of the
// agent's first message.
var DefaultTopicOptions = []string{
	"接客・スタッフの対応について",
	"料理や商品の感想について",
	"お店の雰囲気について",
	"価格やコストパフォーマンスについて",
	"改善してほしい点について",
}

var numberedLinePattern = regexp.MustCompile(`^(\d+[.)、]|[①②③④⑤⑥⑦⑧⑨])\s*`)

var bulletPrefixes = []string{"- ", "* ", "・", "• ", "– "}

// ExtractTopicOptions parses topic suggestions from free text using structural
// heuristics: bulleted or numbered lines, quoted segments, then question-like
// fragments. Returns nil when nothing matches; callers fall back to
// DefaultTopicOptions.
func ExtractTopicOptions(text string) []string {
	var topics []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if t, ok := stripListMarker(line); ok {
			topics = appendTopic(topics, t)
		}
	}

	if len(topics) == 0 {
		for _, t := range quotedSegments(text) {
			topics = appendTopic(topics, t)
		}
	}

	if len(topics) == 0 {
		for _, t := range questionFragments(text) {
			topics = appendTopic(topics, t)
		}
	}

	if len(topics) > maxTopicOptions {
		topics = topics[:maxTopicOptions]
	}
	return topics
}

// TopicOptionsOrDefault extracts suggestions, falling back to the fixed
// default set.
func TopicOptionsOrDefault(text string) []string {
	if topics := ExtractTopicOptions(text); len(topics) > 0 {
		return topics
	}
	out := make([]string, len(DefaultTopicOptions))
	copy(out, DefaultTopicOptions)
	return out
}

// stripListMarker removes a bullet or numbering marker, reporting whether the
// line was a list item.
func stripListMarker(line string) (string, bool) {
	for _, prefix := range bulletPrefixes {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	if loc := numberedLinePattern.FindStringIndex(line); loc != nil {
		return strings.TrimSpace(line[loc[1]:]), true
	}
	return "", false
}

// quotedSegments pulls out 「…」 and “…” quoted spans.
func quotedSegments(text string) []string {
	var out []string
	for _, pair := range [][2]string{{"「", "」"}, {"“", "”"}} {
		rest := text
		for {
			start := strings.Index(rest, pair[0])
			if start < 0 {
				break
			}
			rest = rest[start+len(pair[0]):]
			end := strings.Index(rest, pair[1])
			if end < 0 {
				break
			}
			out = append(out, strings.TrimSpace(rest[:end]))
			rest = rest[end+len(pair[1]):]
		}
	}
	return out
}

// questionFragments returns short sentences ending in a question mark.
func questionFragments(text string) []string {
	var out []string
	replaced := strings.NewReplacer("？", "?\n", "?", "?\n").Replace(text)
	for _, frag := range strings.Split(replaced, "\n") {
		frag = strings.TrimSpace(frag)
		if strings.HasSuffix(frag, "?") {
			out = append(out, frag)
		}
	}
	return out
}

// appendTopic filters out fragments too short or long to be useful topics.
func appendTopic(topics []string, t string) []string {
	runes := []rune(t)
	if len(runes) < 2 || len(runes) > 60 {
		return topics
	}
	return append(topics, t)
}
