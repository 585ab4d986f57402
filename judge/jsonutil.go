package judge

import (
	"regexp"
	"strings"
)

// Judge models wrap their scores in markdown fences, add trailing
// commas, or annotate lines with // comments. These patterns pull a
// usable JSON object out of that noise.
var (
	jsonBlockPattern     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*?\\})\\s*```")
	jsonObjectPattern    = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON extracts a JSON object from a verdict string, handling
// markdown code blocks, line comments, and trailing commas. Returns ""
// when no object is present.
func extractJSON(content string) string {
	raw := ""
	if matches := jsonBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		raw = matches[1]
	} else if match := jsonObjectPattern.FindString(content); match != "" {
		raw = match
	}
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")
	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting
// string values so "https://..." survives.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
