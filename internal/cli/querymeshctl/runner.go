package querymeshctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type cli struct {
	BaseURL string        `name:"base-url" help:"QueryMesh API base URL." default:"${base_url}"`
	APIKey  string        `name:"api-key" help:"API key for authenticated requests." default:"${api_key}"`
	Timeout time.Duration `help:"HTTP timeout (e.g. 10s)." default:"${timeout}"`

	Ask    askCmd    `cmd:"" help:"Ask a natural-language question (POST /v1/prompt)."`
	Index  indexCmd  `cmd:"" help:"Rebuild the schema index (POST /v1/index/run)."`
	Result resultCmd `cmd:"" help:"Fetch an archived result (GET /v1/results/{id})."`
	Health healthCmd `cmd:"" help:"Check liveness (GET /v1/health)."`
	Ready  readyCmd  `cmd:"" help:"Check readiness (GET /v1/ready)."`
}

type askCmd struct {
	Query []string `arg:"" help:"Question to ask."`
	Turn  []string `short:"t" sep:"none" help:"Prior conversation turn as role:content, repeatable, oldest first."`
	Raw   bool     `help:"Print the full response envelope."`
}

func (c *askCmd) Run(cl *client) error {
	turns, err := parseTurns(c.Turn)
	if err != nil {
		return &exitError{code: 2, message: err.Error()}
	}
	payload := map[string]any{"query": strings.Join(c.Query, " ")}
	if len(turns) > 0 {
		payload["conversation_context"] = turns
	}

	code, body, err := cl.do(http.MethodPost, "/v1/prompt", payload)
	if err != nil {
		return err
	}

	var envelope struct {
		StatusCode int             `json:"statusCode"`
		Body       json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.StatusCode == 0 {
		return cl.print(code, body)
	}
	if c.Raw {
		return cl.print(envelope.StatusCode, body)
	}
	return cl.print(envelope.StatusCode, envelope.Body)
}

type indexCmd struct{}

func (c *indexCmd) Run(cl *client) error {
	code, body, err := cl.do(http.MethodPost, "/v1/index/run", nil)
	if err != nil {
		return err
	}
	return cl.print(code, body)
}

type resultCmd struct {
	ID    string `arg:"" help:"Result id, as found at the end of result_uri."`
	Limit int    `help:"Maximum rows to return." default:"0"`
}

func (c *resultCmd) Run(cl *client) error {
	path := "/v1/results/" + url.PathEscape(c.ID)
	if c.Limit > 0 {
		path += "?limit=" + strconv.Itoa(c.Limit)
	}
	code, body, err := cl.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return cl.print(code, body)
}

type healthCmd struct{}

func (c *healthCmd) Run(cl *client) error {
	code, body, err := cl.do(http.MethodGet, "/v1/health", nil)
	if err != nil {
		return err
	}
	return cl.print(code, body)
}

type readyCmd struct{}

func (c *readyCmd) Run(cl *client) error {
	code, body, err := cl.do(http.MethodGet, "/v1/ready", nil)
	if err != nil {
		return err
	}
	return cl.print(code, body)
}

type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

// Run parses args, issues one API call and returns the process exit code:
// 0 on success, 1 on request or HTTP failure, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	exitCode := -1
	var app cli
	parser, err := kong.New(&app,
		kong.Name("querymeshctl"),
		kong.Description("Command line client for the QueryMesh API."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
		kong.Vars{
			"base_url": firstNonEmpty(defaults.BaseURL, "http://localhost:8080"),
			"api_key":  strings.TrimSpace(defaults.APIKey),
			"timeout":  durationOr(defaults.Timeout, 10*time.Second).String(),
		},
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "querymeshctl: %v\n", err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if exitCode >= 0 {
		return exitCode
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "querymeshctl: %v\n", err)
		return 2
	}

	httpClient := defaults.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: app.Timeout}
	}
	cl := &client{
		ctx:     ctx,
		http:    httpClient,
		baseURL: strings.TrimRight(app.BaseURL, "/"),
		apiKey:  strings.TrimSpace(app.APIKey),
		stdout:  stdout,
	}

	if err := kctx.Run(cl); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			_, _ = fmt.Fprintln(stderr, exitErr.message)
			return exitErr.code
		}
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	return 0
}

type client struct {
	ctx     context.Context
	http    *http.Client
	baseURL string
	apiKey  string
	stdout  io.Writer
}

func (c *client) do(method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(c.ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (c *client) print(code int, body []byte) error {
	if code >= 400 {
		return &exitError{code: 1, message: fmt.Sprintf("http %d: %s", code, strings.TrimSpace(string(body)))}
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(body))
	}
	return nil
}

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func parseTurns(raw []string) ([]turn, error) {
	turns := make([]turn, 0, len(raw))
	for _, item := range raw {
		role, content, ok := strings.Cut(item, ":")
		role = strings.ToLower(strings.TrimSpace(role))
		if !ok || (role != "human" && role != "assistant") {
			return nil, fmt.Errorf("invalid turn %q: expected human:<text> or assistant:<text>", item)
		}
		turns = append(turns, turn{Role: role, Content: strings.TrimSpace(content)})
	}
	return turns, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
