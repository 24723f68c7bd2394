package notify

import (
	"strings"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
)

// GenericTemplate is used for conclusions without a dedicated template.
const GenericTemplate = "GitHub Actions 通知：仓库 {repo}，工作流 {workflow} 状态为 {conclusion}"

// Templates holds the message format strings. Placeholders are {repo},
// {workflow}, {conclusion} and {url}.
type Templates struct {
	Failure string
	Success string
	Generic string
}

// Select picks the template for a conclusion.
func (t Templates) Select(conclusion string) string {
	switch conclusion {
	case domain.ConclusionFailure:
		return t.Failure
	case domain.ConclusionSuccess:
		return t.Success
	}
	if t.Generic != "" {
		return t.Generic
	}
	return GenericTemplate
}

// Format renders the message for ev. Substitution is a single pass, so
// placeholder text inside a value is left alone.
func (t Templates) Format(ev domain.NotificationEvent) string {
	r := strings.NewReplacer(
		"{repo}", ev.Repo,
		"{workflow}", ev.Subject,
		"{conclusion}", ev.Conclusion,
		"{url}", ev.URL,
	)
	return r.Replace(t.Select(ev.Conclusion))
}
