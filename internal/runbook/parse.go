// Package runbook parses remediation runbooks and executes their steps.
package runbook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"incidentline/internal/domain"
)

const DefaultMaxRetries = 1

var defaultTimeouts = map[domain.StepKind]time.Duration{
	domain.KindWeb: 30 * time.Second,
	domain.KindCLI: 300 * time.Second,
	domain.KindAPI: 10 * time.Second,
}

var actionKinds = map[string]domain.StepKind{
	"go_to":      domain.KindWeb,
	"search":     domain.KindWeb,
	"get_text":   domain.KindWeb,
	"screenshot": domain.KindWeb,
	"cli":        domain.KindCLI,
	"api":        domain.KindAPI,
}

var requiredParams = map[string][]string{
	"go_to":    {"url"},
	"search":   {"query"},
	"get_text": {"selector"},
	"cli":      {"command"},
	"api":      {"url"},
}

var ErrMalformedFrontMatter = errors.New("runbook: malformed frontmatter")

// ParseError points at the offending line of a text runbook.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("runbook line %d: %s", e.Line, e.Reason)
}

// Load reads a runbook file; .json and .jsonc files use the JSON format,
// anything else the text format.
func Load(path string) (domain.Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Runbook{}, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var rb domain.Runbook
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		rb, err = ParseJSONC(data)
	default:
		rb, err = ParseText(data)
	}
	if err != nil {
		return domain.Runbook{}, fmt.Errorf("%s: %w", path, err)
	}
	if rb.Name == "" {
		rb.Name = name
	}
	return rb, nil
}

// ParseText parses the line-oriented format:
//
//	---
//	name: restart-inventory
//	---
//	# comments and blank lines are ignored
//	Check the status page
//	ACTION: go_to url=https://status.example.com
//	ACTION: cli command="kubectl rollout restart deploy/inventory" timeout=2m retries=1
//
// A plain line labels the actions that follow it.
func ParseText(data []byte) (domain.Runbook, error) {
	var rb domain.Runbook
	body := normalizeNewlines(data)
	offset := 0
	if bytes.HasPrefix(body, []byte("---\n")) {
		parts := bytes.SplitN(body[4:], []byte("\n---\n"), 2)
		if len(parts) < 2 {
			return rb, ErrMalformedFrontMatter
		}
		if err := yaml.Unmarshal(parts[0], &rb); err != nil {
			return rb, fmt.Errorf("runbook: parse frontmatter: %w", err)
		}
		offset = bytes.Count(parts[0], []byte("\n")) + 3
		body = parts[1]
	}

	label := ""
	for i, raw := range strings.Split(string(body), "\n") {
		lineNo := offset + i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rest, isAction := cutPrefixFold(line, "ACTION:")
		if !isAction {
			label = line
			continue
		}
		step, err := parseAction(strings.TrimSpace(rest))
		if err != nil {
			return rb, &ParseError{Line: lineNo, Reason: err.Error()}
		}
		step.Label = label
		step.Order = len(rb.Steps) + 1
		rb.Steps = append(rb.Steps, step)
	}
	if len(rb.Steps) == 0 {
		return rb, errors.New("runbook has no ACTION lines")
	}
	return rb, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func parseAction(line string) (domain.RunbookStep, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return domain.RunbookStep{}, err
	}
	if len(tokens) == 0 {
		return domain.RunbookStep{}, errors.New("ACTION without a name")
	}
	params := make(map[string]string, len(tokens)-1)
	for _, tok := range tokens[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return domain.RunbookStep{}, fmt.Errorf("expected key=value, got %q", tok)
		}
		params[strings.ToLower(key)] = value
	}
	return NewStep(strings.ToLower(tokens[0]), params)
}

// NewStep builds a validated step, extracting the timeout and retries
// parameters.
func NewStep(action string, params map[string]string) (domain.RunbookStep, error) {
	kind, ok := actionKinds[action]
	if !ok {
		return domain.RunbookStep{}, fmt.Errorf("unknown action %q", action)
	}
	step := domain.RunbookStep{
		Kind:       kind,
		Action:     action,
		Params:     map[string]string{},
		Timeout:    defaultTimeouts[kind],
		MaxRetries: DefaultMaxRetries,
	}
	for k, v := range params {
		switch k {
		case "timeout":
			d, err := parseTimeout(v)
			if err != nil {
				return step, err
			}
			step.Timeout = d
		case "retries", "max_retries":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return step, fmt.Errorf("invalid retries %q", v)
			}
			step.MaxRetries = n
		default:
			step.Params[k] = v
		}
	}
	for _, req := range requiredParams[action] {
		if strings.TrimSpace(step.Params[req]) == "" {
			return step, fmt.Errorf("%s requires %s", action, req)
		}
	}
	return step, nil
}

func parseTimeout(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}

// tokenize splits on whitespace, keeping double- or single-quoted values
// together. Double-quoted values accept Go escape sequences.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		case c == '"':
			end := i + 1
			for end < len(s) && s[end] != '"' {
				if s[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(s) {
				return nil, errors.New("unterminated double quote")
			}
			unq, err := strconv.Unquote(s[i : end+1])
			if err != nil {
				return nil, fmt.Errorf("bad quoted value: %w", err)
			}
			cur.WriteString(unq)
			inToken = true
			i = end
		case c == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, errors.New("unterminated single quote")
			}
			cur.WriteString(s[i+1 : i+1+end])
			inToken = true
			i = i + 1 + end
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

type jsonRunbook struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	Steps       []jsonStep `json:"steps"`
}

type jsonStep struct {
	Label      string            `json:"label"`
	Action     string            `json:"action"`
	Params     map[string]string `json:"params"`
	Timeout    string            `json:"timeout"`
	MaxRetries *int              `json:"max_retries"`
}

// ParseJSONC parses a JSON runbook; comments and trailing commas are allowed.
func ParseJSONC(data []byte) (domain.Runbook, error) {
	var raw jsonRunbook
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return domain.Runbook{}, fmt.Errorf("runbook: parse json: %w", err)
	}
	rb := domain.Runbook{Name: raw.Name, Description: raw.Description, Tags: raw.Tags}
	for i, js := range raw.Steps {
		params := make(map[string]string, len(js.Params)+2)
		for k, v := range js.Params {
			params[strings.ToLower(k)] = v
		}
		if js.Timeout != "" {
			params["timeout"] = js.Timeout
		}
		if js.MaxRetries != nil {
			params["retries"] = strconv.Itoa(*js.MaxRetries)
		}
		step, err := NewStep(strings.ToLower(js.Action), params)
		if err != nil {
			return rb, fmt.Errorf("step %d: %w", i+1, err)
		}
		step.Label = js.Label
		step.Order = i + 1
		rb.Steps = append(rb.Steps, step)
	}
	if len(rb.Steps) == 0 {
		return rb, errors.New("runbook has no steps")
	}
	return rb, nil
}

func normalizeNewlines(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
}
