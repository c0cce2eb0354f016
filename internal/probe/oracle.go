// Package probe classifies a single HTTP fetch of the host as healthy or
// unhealthy.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/mpataki/conflictscan/internal/log"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMinBodyBytes = 100
	maxRedirects        = 5
	maxBodyBytes        = 4 << 20

	ReasonBlankPage = "White screen / empty response"
)

var fatalPattern = regexp.MustCompile(`(?i)Fatal error|Parse error|syntax error`)

// Result is the verdict of one probe. A transport failure is a failed
// probe, never an error.
type Result struct {
	Passed     bool          `json:"passed"`
	StatusCode int           `json:"status_code"`
	Reasons    []string      `json:"reasons,omitempty"`
	Duration   time.Duration `json:"duration"`
	RuleLogs   []string      `json:"rule_logs,omitempty"`
}

// Observation is what custom rules get to inspect.
type Observation struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       string
	Duration   time.Duration
}

// Verdict is a rule set's judgement of one observation. A false OK fails
// the probe with Reason. Logs holds what the rules wrote while checking.
type Verdict struct {
	OK     bool
	Reason string
	Logs   []string
}

// RuleSet adds host-specific checks on top of the built-in ones.
type RuleSet interface {
	Check(ctx context.Context, obs Observation) (Verdict, error)
}

type Options struct {
	Timeout      time.Duration
	MinBodyBytes int
	InsecureTLS  bool
	Rules        RuleSet
	Logger       *log.Logger
}

type Oracle struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Oracle {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MinBodyBytes <= 0 {
		opts.MinBodyBytes = DefaultMinBodyBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	// Probes must not share cached connections with content served under a
	// different configuration.
	transport.DisableKeepAlives = true

	return &Oracle{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		opts: opts,
	}
}

// Probe fetches url and classifies the response. timeout <= 0 uses the
// configured default.
func (o *Oracle) Probe(ctx context.Context, url string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = o.opts.Timeout
	}
	start := time.Now()
	res := o.probe(ctx, url, timeout)
	res.Duration = time.Since(start)
	res.Passed = len(res.Reasons) == 0

	ev := log.LogEvent{
		Event:      log.EventProbe,
		URL:        url,
		Passed:     log.Bool(res.Passed),
		StatusCode: res.StatusCode,
		Reasons:    res.Reasons,
		DurationMs: res.Duration.Milliseconds(),
	}
	if len(res.RuleLogs) > 0 {
		ev.Data = map[string]any{"rule_logs": res.RuleLogs}
	}
	o.opts.Logger.Append(ev)
	return res
}

func (o *Oracle) probe(ctx context.Context, url string, timeout time.Duration) Result {
	var res Result

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		res.Reasons = append(res.Reasons, fmt.Sprintf("invalid probe url: %v", err))
		return res
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		res.Reasons = append(res.Reasons, transportReason(err, timeout))
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		res.Reasons = append(res.Reasons, transportReason(err, timeout))
		return res
	}

	if resp.StatusCode >= 500 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("HTTP %d error", resp.StatusCode))
	}
	if len(body) < o.opts.MinBodyBytes {
		res.Reasons = append(res.Reasons, ReasonBlankPage)
	}
	if m := fatalPattern.Find(body); m != nil {
		res.Reasons = append(res.Reasons, string(m))
	}

	if o.opts.Rules != nil {
		v, err := o.opts.Rules.Check(ctx, Observation{
			URL:        url,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       string(body),
			Duration:   time.Since(start),
		})
		res.RuleLogs = v.Logs
		switch {
		case err != nil:
			res.Reasons = append(res.Reasons, fmt.Sprintf("health rule error: %v", err))
		case !v.OK:
			reason := v.Reason
			if reason == "" {
				reason = "custom health rule failed"
			}
			res.Reasons = append(res.Reasons, reason)
		}
	}

	return res
}

func transportReason(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("request timed out after %s", timeout)
	}
	if errors.Is(err, context.Canceled) {
		return "request canceled"
	}
	return fmt.Sprintf("request failed: %v", err)
}
