package runbook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"incidentline/internal/domain"
)

// callAPI issues one HTTP request. Params: url, method (GET), body,
// content_type, token (sent as a bearer token).
func callAPI(ctx context.Context, s *Session, step domain.RunbookStep) (ActionOutput, error) {
	method := strings.ToUpper(step.Params["method"])
	if method == "" {
		method = http.MethodGet
	}
	u, err := s.resolve(step.Params["url"])
	if err != nil {
		return ActionOutput{}, err
	}
	var body io.Reader
	if b := step.Params["body"]; b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return ActionOutput{}, err
	}
	if body != nil {
		ct := step.Params["content_type"]
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}
	if tok := step.Params["token"]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return ActionOutput{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return ActionOutput{}, fmt.Errorf("read response: %w", err)
	}
	content := fmt.Sprintf("%s %s\nHTTP %d\n%s", method, u, resp.StatusCode, truncate(string(raw)))
	out := ActionOutput{
		Output:    fmt.Sprintf("%s %s: HTTP %d", method, u, resp.StatusCode),
		Artifacts: []domain.Artifact{{Kind: domain.ArtifactResponse, Name: method + " " + u.Path, Content: content}},
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("%s %s: HTTP %d", method, u, resp.StatusCode)
	}
	return out, nil
}
