package essqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type call struct {
	method string
	path   string
	body   []byte
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("essqlctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "essql API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	c, err := buildCall(command, fs.Args()[1:], defaults.Stdin, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n\n", command, err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + c.path
	code, responseBody, err := doRequest(ctx, client, c, endpoint, *apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildCall(command string, args []string, stdin io.Reader, stderr io.Writer) (call, error) {
	switch command {
	case "health":
		return call{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return call{method: http.MethodGet, path: "/v1/ready"}, nil
	case "query", "explain":
		fs := flag.NewFlagSet(command, flag.ContinueOnError)
		fs.SetOutput(stderr)
		indices := fs.String("indices", "", "comma-separated indices used when the plan names none")
		rowCap := fs.Int("row-cap", 0, "maximum rows per window")
		export := fs.Bool("export", false, "export the first window as parquet")
		if err := fs.Parse(args); err != nil {
			return call{}, err
		}
		if fs.NArg() != 1 {
			return call{}, fmt.Errorf("expected one plan file argument")
		}
		plan, err := readPlan(fs.Arg(0), stdin)
		if err != nil {
			return call{}, err
		}
		payload := map[string]any{"plan": plan}
		if list := splitList(*indices); len(list) > 0 {
			payload["indices"] = list
		}
		if *rowCap > 0 {
			payload["row_cap"] = *rowCap
		}
		path := "/v1/query"
		if command == "explain" {
			path = "/v1/query/explain"
		} else if *export {
			payload["export"] = true
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return call{}, err
		}
		return call{method: http.MethodPost, path: path, body: body}, nil
	case "more":
		fs := flag.NewFlagSet(command, flag.ContinueOnError)
		fs.SetOutput(stderr)
		rowCap := fs.Int("row-cap", -1, "maximum rows per window, 0 removes the cap")
		export := fs.Bool("export", false, "export the window as parquet")
		if err := fs.Parse(args); err != nil {
			return call{}, err
		}
		id, err := queryID(fs.Args())
		if err != nil {
			return call{}, err
		}
		payload := map[string]any{}
		if *rowCap >= 0 {
			payload["row_cap"] = *rowCap
		}
		if *export {
			payload["export"] = true
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return call{}, err
		}
		return call{method: http.MethodPost, path: "/v1/query/" + url.PathEscape(id) + "/more", body: body}, nil
	case "close":
		id, err := queryID(args)
		if err != nil {
			return call{}, err
		}
		return call{method: http.MethodDelete, path: "/v1/query/" + url.PathEscape(id)}, nil
	case "catalog":
		switch len(args) {
		case 0:
			return call{method: http.MethodGet, path: "/v1/catalog"}, nil
		case 1:
			return call{method: http.MethodGet, path: "/v1/catalog/" + url.PathEscape(args[0])}, nil
		}
		return call{}, fmt.Errorf("expected at most one index argument")
	}
	return call{}, fmt.Errorf("unknown command %q", command)
}

// readPlan loads a plan document from path, or from stdin when path is "-".
func readPlan(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		if stdin == nil {
			return nil, fmt.Errorf("stdin is not available")
		}
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("plan %s is not valid JSON", path)
	}
	return json.RawMessage(bytes.TrimSpace(raw)), nil
}

func queryID(args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("expected one query id argument")
	}
	return strings.TrimSpace(args[0]), nil
}

func doRequest(ctx context.Context, client *http.Client, c call, endpoint, apiKey string) (int, []byte, error) {
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
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

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: essqlctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                                   GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                                    GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  query [-indices] [-row-cap] [-export] <plan.json|->")
	_, _ = fmt.Fprintln(w, "                                           POST /v1/query")
	_, _ = fmt.Fprintln(w, "  more [-row-cap] [-export] <query-id>     POST /v1/query/{id}/more")
	_, _ = fmt.Fprintln(w, "  close <query-id>                         DELETE /v1/query/{id}")
	_, _ = fmt.Fprintln(w, "  explain [-indices] <plan.json|->         POST /v1/query/explain")
	_, _ = fmt.Fprintln(w, "  catalog [index]                          GET /v1/catalog[/{index}]")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
