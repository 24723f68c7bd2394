package language

import (
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"pure chinese", "构建失败", Chinese},
		{"pure english", "Build failed", English},
		{"mostly chinese", "仓库 user/repo 构建失败了", Chinese},
		{"mostly english", "Build of repo 失败", English},
		{"empty defaults to chinese", "", Chinese},
		{"whitespace defaults to chinese", "   \n\t", Chinese},
		{"punctuation only", "!!!", English},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.text); got != tt.want {
				t.Errorf("Detect(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsChineseEmptyIsFalse(t *testing.T) {
	if IsChinese("") {
		t.Fatal("IsChinese(\"\") = true, want false")
	}
	if IsChinese("  ") {
		t.Fatal("IsChinese(blank) = true, want false")
	}
	if Detect("") != Chinese {
		t.Fatal("Detect(\"\") should default to zh")
	}
}

func TestThresholdBoundary(t *testing.T) {
	// 3 ideographs out of 10 runes is exactly 0.3, which is not above the threshold.
	atThreshold := "中文字" + strings.Repeat("a", 7)
	if got := ChineseRatio(atThreshold); got != 0.3 {
		t.Fatalf("ratio = %v, want 0.3", got)
	}
	if Detect(atThreshold) != English || IsChinese(atThreshold) {
		t.Fatal("ratio == threshold must classify as English")
	}

	// 4 out of 10 is above.
	above := "中文字符" + strings.Repeat("a", 6)
	if Detect(above) != Chinese || !IsChinese(above) {
		t.Fatal("ratio 0.4 must classify as Chinese")
	}
}

func TestRatioAgreesWithDetect(t *testing.T) {
	inputs := []string{"a", "中", "中a", "中aa", "中aaa", "hello 世界", "  前后空格  ", "GitHub Actions 构建成功"}
	for _, in := range inputs {
		zh := ChineseRatio(in) > ChineseThreshold
		if zh != (Detect(in) == Chinese) {
			t.Errorf("ratio and Detect disagree for %q", in)
		}
		if zh != IsChinese(in) {
			t.Errorf("ratio and IsChinese disagree for %q", in)
		}
	}
}

func TestRatioIgnoresSurroundingSpace(t *testing.T) {
	if got := ChineseRatio("  中文  "); got != 1.0 {
		t.Fatalf("ratio = %v, want 1.0", got)
	}
	if got := CountChinese("中 文 abc"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}
