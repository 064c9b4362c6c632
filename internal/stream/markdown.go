package stream

import (
	"bytes"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"incidentline/internal/domain"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

func rendersHTML(t domain.StepType) bool {
	switch t {
	case domain.StepSummary, domain.StepReasoning, domain.StepResolutionAgent:
		return true
	}
	return false
}

// RenderHTML converts markdown content to HTML. Raw HTML in the input is omitted.
func RenderHTML(content string) string {
	if content == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdownRenderer().Convert([]byte(content), &buf); err != nil {
		return ""
	}
	return buf.String()
}
