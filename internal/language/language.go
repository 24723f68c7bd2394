// Package language classifies text by its Unicode composition so the
// synthesizer can pick a voice.
package language

import "strings"

// Language codes understood by the synthesizer.
const (
	Chinese = "zh"
	English = "en"
)

// ChineseThreshold is the share of CJK ideographs above which text counts
// as Chinese.
const ChineseThreshold = 0.3

const (
	cjkStart = '\u4e00'
	cjkEnd   = '\u9fff'
)

// CountChinese counts CJK Unified Ideographs in text.
func CountChinese(text string) int {
	n := 0
	for _, r := range text {
		if r >= cjkStart && r <= cjkEnd {
			n++
		}
	}
	return n
}

// ChineseRatio is the number of ideographs divided by the rune length of the
// trimmed text. Empty input yields 0.
func ChineseRatio(text string) float64 {
	total := len([]rune(strings.TrimSpace(text)))
	if total == 0 {
		return 0
	}
	return float64(CountChinese(text)) / float64(total)
}

// Detect returns Chinese or English. Empty input defaults to Chinese.
func Detect(text string) string {
	if strings.TrimSpace(text) == "" {
		return Chinese
	}
	if ChineseRatio(text) > ChineseThreshold {
		return Chinese
	}
	return English
}

// IsChinese reports whether text is primarily Chinese. Unlike Detect it
// returns false for empty input.
func IsChinese(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return ChineseRatio(text) > ChineseThreshold
}
