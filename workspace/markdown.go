package workspace

import (
	"bytes"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// CodeBlock is a fenced code block of a page.
type CodeBlock struct {
	Lang string
	// Code is the block body with any container indentation removed.
	Code string
	// Raw is the exact source text of the body, usable as a fix span.
	Raw       string
	StartLine int
	EndLine   int
}

// ExtractCodeBlocks returns the fenced code blocks of a markdown page in
// source order. Empty blocks are skipped.
func ExtractCodeBlocks(content string) []CodeBlock {
	source := []byte(content)
	doc := parser().Parser().Parse(text.NewReader(source))

	var blocks []CodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := fenced.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		var code bytes.Buffer
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			code.Write(seg.Value(source))
		}
		first, last := lines.At(0), lines.At(lines.Len()-1)
		lang := ""
		if fenced.Info != nil {
			lang = strings.ToLower(string(fenced.Language(source)))
		}
		blocks = append(blocks, CodeBlock{
			Lang:      lang,
			Code:      code.String(),
			Raw:       content[first.Start:last.Stop],
			StartLine: lineOf(content, first.Start),
			EndLine:   lineOf(content, last.Stop-1),
		})
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

func lineOf(content string, off int) int {
	if off > len(content) {
		off = len(content)
	}
	if off < 0 {
		off = 0
	}
	return strings.Count(content[:off], "\n") + 1
}

// splitFrontMatter separates a leading YAML front matter block from the body.
func splitFrontMatter(content string) (map[string]any, string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return nil, content
	}
	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, content
	}
	var meta map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, content
	}
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return meta, body
}

// PageTitle picks a title from front matter, then the first heading, then
// the file name.
func PageTitle(pagePath, content string) string {
	meta, body := splitFrontMatter(content)
	if t, ok := meta["title"].(string); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}

	source := []byte(body)
	doc := parser().Parser().Parse(text.NewReader(source))
	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || title != "" {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			title = strings.TrimSpace(headingText(h, source))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	if title != "" {
		return title
	}
	base := path.Base(pagePath)
	return strings.TrimSuffix(base, path.Ext(base))
}

func headingText(h *ast.Heading, source []byte) string {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		collectText(c, source, &b)
	}
	return b.String()
}

func collectText(n ast.Node, source []byte, b *strings.Builder) {
	if t, ok := n.(*ast.Text); ok {
		b.Write(t.Segment.Value(source))
		return
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		collectText(c, source, b)
	}
}

var shellLangs = map[string]bool{
	"bash": true, "sh": true, "shell": true, "console": true, "zsh": true, "shell-session": true,
}

var clusterCommand = regexp.MustCompile(`(?m)^\s*(?:\$\s*)?(?:sudo\s+)?(kubectl|helm|kustomize|vcluster|k9s)\b`)

// NeedsCluster reports whether any shell code block of the page runs a
// cluster-level command.
func NeedsCluster(content string) bool {
	for _, b := range ExtractCodeBlocks(content) {
		if shellLangs[b.Lang] && clusterCommand.MatchString(b.Code) {
			return true
		}
	}
	return false
}
