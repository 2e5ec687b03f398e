// Package judge is a client for the Judge0 CE REST API.
package judge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/gsarma/batchjudge/internal/domain"
)

const (
	resultFields = "token,stdout,stderr,compile_output,message,time,wall_time,memory,status"
	maxErrorBody = 4 << 10
)

// OAuthConfig enables client-credentials auth for judges behind an OAuth gateway.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config holds the connection settings for a Judge0 CE instance.
// URL is the base URL of the Judge0 server (e.g. "http://judge0-server:2358").
// AuthToken is sent in AuthHeader (X-Auth-Token by default) when set.
type Config struct {
	URL         string
	AuthToken   string
	AuthHeader  string
	OAuth       *OAuthConfig
	HTTPTimeout time.Duration
}

// Request is one execution job.
type Request struct {
	SourceCode    string
	LanguageID    int
	Stdin         string
	CPUTimeLimit  time.Duration
	WallTimeLimit time.Duration
	MemoryLimitKB int
}

// Receipt is the judge's answer to one item of a grouped submission.
type Receipt struct {
	Token string
	Err   error
}

// Judge0Client calls the Judge0 CE REST API. All payloads travel base64 encoded.
type Judge0Client struct {
	url        string
	authHeader string
	authToken  string
	client     *http.Client
}

// NewJudge0Client constructs a Judge0Client from the given config.
func NewJudge0Client(cfg Config) *Judge0Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	header := cfg.AuthHeader
	if header == "" {
		header = "X-Auth-Token"
	}

	client := &http.Client{Timeout: timeout}
	if cfg.OAuth != nil {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		client = cc.Client(context.Background())
		client.Timeout = timeout
	}

	return &Judge0Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		authHeader: header,
		authToken:  cfg.AuthToken,
		client:     client,
	}
}

type submissionPayload struct {
	SourceCode    string  `json:"source_code"`
	LanguageID    int     `json:"language_id"`
	Stdin         string  `json:"stdin,omitempty"`
	CPUTimeLimit  float64 `json:"cpu_time_limit,omitempty"`
	WallTimeLimit float64 `json:"wall_time_limit,omitempty"`
	MemoryLimit   int     `json:"memory_limit,omitempty"`
}

func newPayload(r Request) submissionPayload {
	p := submissionPayload{
		SourceCode:    encode(r.SourceCode),
		LanguageID:    r.LanguageID,
		CPUTimeLimit:  r.CPUTimeLimit.Seconds(),
		WallTimeLimit: r.WallTimeLimit.Seconds(),
		MemoryLimit:   r.MemoryLimitKB,
	}
	if r.Stdin != "" {
		p.Stdin = encode(r.Stdin)
	}
	return p
}

// seconds accepts Judge0's "0.012" strings as well as bare numbers.
type seconds time.Duration

func (s *seconds) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return errors.Wrapf(err, "parse seconds %q", raw)
	}
	*s = seconds(time.Duration(math.Round(f * float64(time.Second))))
	return nil
}

type submissionResult struct {
	Token         string  `json:"token"`
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	Message       *string `json:"message"`
	Time          seconds `json:"time"`
	WallTime      seconds `json:"wall_time"`
	Memory        *int    `json:"memory"`
	Status        struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
}

func (r submissionResult) jobResult() domain.JobResult {
	res := domain.JobResult{
		Token:         r.Token,
		Status:        MapStatus(r.Status.ID),
		Description:   r.Status.Description,
		Stdout:        decode(r.Stdout),
		Stderr:        decode(r.Stderr),
		CompileOutput: decode(r.CompileOutput),
		CPUTime:       time.Duration(r.Time),
		WallTime:      time.Duration(r.WallTime),
	}
	if res.Stderr == "" && r.Message != nil {
		res.Stderr = decode(r.Message)
	}
	if r.Memory != nil {
		res.MemoryKB = *r.Memory
	}
	if res.Description == "" {
		res.Description = res.Status.String()
	}
	return res
}

// Submit enqueues one job and returns its token without waiting.
func (c *Judge0Client) Submit(ctx context.Context, r Request) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/submissions?base64_encoded=true&wait=false", newPayload(r), &out); err != nil {
		return "", errors.Wrap(err, "submit to judge0")
	}
	if out.Token == "" {
		return "", errors.New("judge0 returned no token")
	}
	return out.Token, nil
}

// SubmitBatch enqueues several jobs in one call. The receipts are in request
// order; items the judge rejected carry an Err instead of a token.
func (c *Judge0Client) SubmitBatch(ctx context.Context, reqs []Request) ([]Receipt, error) {
	body := struct {
		Submissions []submissionPayload `json:"submissions"`
	}{Submissions: make([]submissionPayload, len(reqs))}
	for i, r := range reqs {
		body.Submissions[i] = newPayload(r)
	}

	var items []json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/submissions/batch?base64_encoded=true", body, &items); err != nil {
		return nil, errors.Wrap(err, "submit batch to judge0")
	}
	if len(items) != len(reqs) {
		return nil, errors.Errorf("judge0 returned %d receipts for %d submissions", len(items), len(reqs))
	}

	receipts := make([]Receipt, len(items))
	for i, raw := range items {
		var item struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(raw, &item); err != nil || item.Token == "" {
			receipts[i].Err = errors.Errorf("judge0 rejected submission: %s", strings.TrimSpace(string(raw)))
			continue
		}
		receipts[i].Token = item.Token
	}
	return receipts, nil
}

// Get returns the current state of one job. Unfinished jobs come back with
// domain.StatusPending.
func (c *Judge0Client) Get(ctx context.Context, token string) (domain.JobResult, error) {
	var out submissionResult
	path := "/submissions/" + url.PathEscape(token) + "?base64_encoded=true&fields=" + resultFields
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return domain.JobResult{}, errors.Wrapf(err, "get submission %s", token)
	}
	if out.Token == "" {
		out.Token = token
	}
	return out.jobResult(), nil
}

// GetBatch returns the state of several jobs, in token order.
func (c *Judge0Client) GetBatch(ctx context.Context, tokens []string) ([]domain.JobResult, error) {
	q := url.Values{}
	q.Set("tokens", strings.Join(tokens, ","))
	q.Set("base64_encoded", "true")
	q.Set("fields", resultFields)

	var out struct {
		Submissions []*submissionResult `json:"submissions"`
	}
	if err := c.do(ctx, http.MethodGet, "/submissions/batch?"+q.Encode(), nil, &out); err != nil {
		return nil, errors.Wrap(err, "get submission batch")
	}
	if len(out.Submissions) != len(tokens) {
		return nil, errors.Errorf("judge0 returned %d results for %d tokens", len(out.Submissions), len(tokens))
	}

	results := make([]domain.JobResult, len(tokens))
	for i, sub := range out.Submissions {
		if sub == nil {
			results[i] = domain.TransportFailure(tokens[i], "unknown token")
			continue
		}
		if sub.Token == "" {
			sub.Token = tokens[i]
		}
		results[i] = sub.jobResult()
	}
	return results, nil
}

// Execute submits one job and waits synchronously for the result.
func (c *Judge0Client) Execute(ctx context.Context, r Request) (domain.JobResult, error) {
	var out submissionResult
	if err := c.do(ctx, http.MethodPost, "/submissions?base64_encoded=true&wait=true", newPayload(r), &out); err != nil {
		return domain.JobResult{}, errors.Wrap(err, "execute on judge0")
	}
	return out.jobResult(), nil
}

func (c *Judge0Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set(c.authHeader, c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode judge0 response")
	}
	return nil
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// decode returns "" for absent fields and keeps undecodable text as is.
func decode(s *string) string {
	if s == nil {
		return ""
	}
	// Judge0 wraps base64 output at 60 columns.
	dec, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(*s, "\n", ""))
	if err != nil {
		return *s
	}
	return string(dec)
}
