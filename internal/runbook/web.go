package runbook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"incidentline/internal/domain"
)

const (
	maxPageBytes     = 5 << 20
	maxArtifactBytes = 64 << 10
)

func goTo(ctx context.Context, s *Session, step domain.RunbookStep) (ActionOutput, error) {
	p, err := s.navigate(ctx, http.MethodGet, step.Params["url"], nil)
	if err != nil {
		return ActionOutput{}, err
	}
	out := fmt.Sprintf("Navigated to %s (HTTP %d)", p.url, p.status)
	if title := pageTitle(p.doc); title != "" {
		out += ": " + title
	}
	return ActionOutput{
		Output:    out,
		Artifacts: []domain.Artifact{{Kind: domain.ArtifactOutput, Name: "go_to", Content: out}},
	}, nil
}

// search fills the matching input of the current page and submits its form.
func search(ctx context.Context, s *Session, step domain.RunbookStep) (ActionOutput, error) {
	cur, err := s.current()
	if err != nil {
		return ActionOutput{}, err
	}
	input, err := findSearchInput(cur.doc, step.Params["selector"])
	if err != nil {
		return ActionOutput{}, err
	}
	name := attr(input, "name")
	if name == "" {
		name = "q"
	}
	query := step.Params["query"]
	if strings.EqualFold(step.Params["submit"], "false") {
		out := fmt.Sprintf("Entered %q into %s", query, name)
		return ActionOutput{Output: out, Artifacts: []domain.Artifact{{Kind: domain.ArtifactOutput, Name: "search", Content: out}}}, nil
	}

	method, action := http.MethodGet, cur.url.String()
	values := url.Values{}
	if form := enclosing(input, atom.Form); form != nil {
		if m := strings.ToUpper(attr(form, "method")); m == http.MethodPost {
			method = m
		}
		if a := attr(form, "action"); a != "" {
			action = a
		}
		for _, in := range findAll(form, selector{tag: "input"}) {
			n := attr(in, "name")
			if n == "" || n == name {
				continue
			}
			switch strings.ToLower(attr(in, "type")) {
			case "hidden", "text", "":
				values.Set(n, attr(in, "value"))
			}
		}
	}
	values.Set(name, query)
	p, err := s.navigate(ctx, method, action, values)
	if err != nil {
		return ActionOutput{}, err
	}
	out := fmt.Sprintf("Searched %q, landed on %s (HTTP %d)", query, p.url, p.status)
	return ActionOutput{
		Output:    out,
		Artifacts: []domain.Artifact{{Kind: domain.ArtifactOutput, Name: "search", Content: out}},
	}, nil
}

func getText(_ context.Context, s *Session, step domain.RunbookStep) (ActionOutput, error) {
	cur, err := s.current()
	if err != nil {
		return ActionOutput{}, err
	}
	sel, err := parseSelector(step.Params["selector"])
	if err != nil {
		return ActionOutput{}, err
	}
	nodes := findAll(cur.doc, sel)
	if len(nodes) == 0 {
		return ActionOutput{}, fmt.Errorf("no element matches %q on %s", step.Params["selector"], cur.url)
	}
	texts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if t := textOf(n); t != "" {
			texts = append(texts, t)
		}
	}
	text := strings.Join(texts, "\n")
	return ActionOutput{
		Output:    text,
		Artifacts: []domain.Artifact{{Kind: domain.ArtifactText, Name: step.Params["selector"], Content: truncate(text)}},
	}, nil
}

// screenshot keeps the markup of the current page, both in the session
// directory and as a page artifact.
func screenshot(_ context.Context, s *Session, step domain.RunbookStep) (ActionOutput, error) {
	cur, err := s.current()
	if err != nil {
		return ActionOutput{}, err
	}
	name := step.Params["name"]
	if name == "" {
		name = fmt.Sprintf("step-%d", step.Order)
	}
	name = filepath.Base(name) + ".html"
	if err := os.WriteFile(filepath.Join(s.dir, name), cur.body, 0o644); err != nil {
		return ActionOutput{}, fmt.Errorf("save page: %w", err)
	}
	out := fmt.Sprintf("Captured %s (%d bytes)", cur.url, len(cur.body))
	return ActionOutput{
		Output:    out,
		Artifacts: []domain.Artifact{{Kind: domain.ArtifactPage, Name: name, Content: truncate(string(cur.body))}},
	}, nil
}

func (s *Session) navigate(ctx context.Context, method, target string, form url.Values) (*page, error) {
	u, err := s.resolve(target)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if form != nil {
		if method == http.MethodGet {
			u.RawQuery = form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, u, resp.StatusCode)
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u, err)
	}
	p := &page{url: resp.Request.URL, status: resp.StatusCode, body: raw, doc: doc}
	s.page = p
	return p, nil
}

func (s *Session) resolve(target string) (*url.URL, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("empty url")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if s.page == nil {
		return nil, fmt.Errorf("relative url %q without a current page", target)
	}
	return s.page.url.ResolveReference(u), nil
}

// selector supports tag, #id and .class, combinable as in "div.alert#main".
type selector struct {
	tag     string
	id      string
	classes []string
}

func parseSelector(s string) (selector, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " >+~[:,") {
		return selector{}, fmt.Errorf("unsupported selector %q", s)
	}
	var sel selector
	i := strings.IndexAny(s, "#.")
	if i < 0 {
		sel.tag = strings.ToLower(s)
		return sel, nil
	}
	sel.tag = strings.ToLower(s[:i])
	rest := s[i:]
	for rest != "" {
		marker := rest[0]
		rest = rest[1:]
		end := strings.IndexAny(rest, "#.")
		if end < 0 {
			end = len(rest)
		}
		part := rest[:end]
		rest = rest[end:]
		if part == "" {
			return selector{}, fmt.Errorf("unsupported selector %q", s)
		}
		if marker == '#' {
			sel.id = part
		} else {
			sel.classes = append(sel.classes, part)
		}
	}
	return sel, nil
}

func (sel selector) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if sel.tag != "" && n.Data != sel.tag {
		return false
	}
	if sel.id != "" && attr(n, "id") != sel.id {
		return false
	}
	if len(sel.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range sel.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func findAll(root *html.Node, sel selector) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if sel.match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findSearchInput(doc *html.Node, raw string) (*html.Node, error) {
	if raw != "" {
		sel, err := parseSelector(raw)
		if err != nil {
			return nil, err
		}
		nodes := findAll(doc, sel)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("no element matches %q", raw)
		}
		return nodes[0], nil
	}
	for _, n := range findAll(doc, selector{tag: "input"}) {
		switch strings.ToLower(attr(n, "type")) {
		case "search", "text", "":
			return n, nil
		}
	}
	if nodes := findAll(doc, selector{tag: "textarea"}); len(nodes) > 0 {
		return nodes[0], nil
	}
	return nil, fmt.Errorf("no search input on page")
}

func enclosing(n *html.Node, a atom.Atom) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == a {
			return p
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textOf returns the visible text under n with whitespace collapsed.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func pageTitle(doc *html.Node) string {
	if nodes := findAll(doc, selector{tag: "title"}); len(nodes) > 0 {
		return textOf(nodes[0])
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxArtifactBytes {
		return s
	}
	return s[:maxArtifactBytes] + "\n[truncated]"
}
