package runbook

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"

	"golang.org/x/net/html"
)

type SessionOptions struct {
	Transport http.RoundTripper
	Env       map[string]string
}

// Session holds the resources one runbook run acquires: a browsing context
// with cookies and a current page, and a scratch directory.
type Session struct {
	client *http.Client
	dir    string
	env    []string
	page   *page
	closed bool
}

type page struct {
	url    *url.URL
	status int
	body   []byte
	doc    *html.Node
}

func NewSession(opts SessionOptions) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "incidentline-runbook-*")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return &Session{
		client: &http.Client{Jar: jar, Transport: transport},
		dir:    dir,
		env:    env,
	}, nil
}

// Dir is the scratch directory; CLI steps run inside it.
func (s *Session) Dir() string { return s.dir }

// Close releases the browsing context and deletes the scratch directory.
// It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.page = nil
	s.client.CloseIdleConnections()
	return os.RemoveAll(s.dir)
}

var errNoPage = errors.New("no page loaded; run go_to first")

func (s *Session) current() (*page, error) {
	if s.page == nil {
		return nil, errNoPage
	}
	return s.page, nil
}
