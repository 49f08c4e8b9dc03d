package command

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/macros"
	"github.com/argus-monitor/argus/pkg/types"
)

// IfwOptions configures the IFW API client.
type IfwOptions struct {
	// CAFile is the PEM bundle the agent certificate must chain to.
	CAFile string
	// Insecure disables certificate validation. Test use only.
	Insecure bool
	// Timeout bounds one API call end to end.
	Timeout time.Duration
}

// IfwClient talks to an IFW agent over HTTPS.
type IfwClient struct {
	client *http.Client
}

// IfwResponse is one command's entry in the agent response body.
type IfwResponse struct {
	ExitCode    *int     `json:"exitcode"`
	CheckResult string   `json:"checkresult"`
	Perfdata    []string `json:"perfdata"`
}

// NewIfwClient builds the TLS-validating HTTP client.
func NewIfwClient(opts IfwOptions) (*IfwClient, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.Insecure {
		tlsCfg.InsecureSkipVerify = true
	} else if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading IFW CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("IFW CA file %s contains no certificates", opts.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return &IfwClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// Check POSTs the resolved arguments to /v1/checker and parses the per-
// command response object.
func (ic *IfwClient) Check(ctx context.Context, baseURL, command string, args map[string]string) (*IfwResponse, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding IFW request: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/v1/checker?command=" + url.QueryEscape(command)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building IFW request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ic.client.Do(req)
	if err != nil {
		return nil, classifyIfwError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading IFW response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IFW API returned HTTP %d", resp.StatusCode)
	}

	var parsed map[string]IfwResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing IFW API response failed: %w", err)
	}
	entry, ok := parsed[command]
	if !ok {
		return nil, fmt.Errorf("IFW API response is missing the '%s' object", command)
	}
	if entry.ExitCode == nil {
		return nil, fmt.Errorf("IFW API response is missing the 'exitcode' field")
	}
	return &entry, nil
}

// classifyIfwError maps transport failures to the understood categories.
func classifyIfwError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		switch {
		case uerr.Timeout():
			return fmt.Errorf("IFW API request timed out (operation_aborted): %w", err)
		case isTLSError(uerr.Err):
			return fmt.Errorf("TLS handshake with IFW API failed: %w", err)
		default:
			return fmt.Errorf("connect to IFW API failed: %w", err)
		}
	}
	return err
}

func isTLSError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	var record tls.RecordHeaderError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &certInvalid) || errors.As(err, &record) {
		return true
	}
	return strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:")
}

// executeIfw runs an IFW API check locally. The base URL comes from the
// checkable's 'ifw_api_url' var, falling back to the command's.
func (r *Runner) executeIfw(c *checkable.Checkable, cmd *types.CheckCommand, resolvers []macros.Resolver) *types.CheckResult {
	start := clock.ToUnix(r.clock.Now())
	cr := r.newResult(c, start)
	cr.ExecutionStart = start

	if r.ifw == nil {
		return failResult(cr, c, start, "IFW API client is not configured")
	}

	baseURL := ""
	if v, ok := c.Vars["ifw_api_url"].(string); ok {
		baseURL = v
	} else if v, ok := cmd.Vars["ifw_api_url"]; ok {
		baseURL = v
	}
	if baseURL == "" {
		return failResult(cr, c, start, "No IFW API URL configured for '"+c.ObjectName()+"'")
	}

	args := make(map[string]string, len(cmd.Arguments))
	for name, spec := range cmd.Arguments {
		v, err := macros.Resolve(spec.Value, resolvers, nil)
		if err != nil {
			return failResult(cr, c, start, "Macro resolution failed: "+err.Error())
		}
		if v != "" {
			args[name] = v
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeoutFor(c, cmd))
	defer cancel()

	entry, err := r.ifw.Check(ctx, baseURL, cmd.Name, args)
	cr.ExecutionEnd = clock.ToUnix(r.clock.Now())
	cr.ScheduleEnd = cr.ExecutionEnd
	if err != nil {
		cr.State = types.ServiceUnknown
		cr.ExitStatus = 3
		cr.Output = err.Error()
		return cr
	}

	exit := *entry.ExitCode
	cr.ExitStatus = exit
	if exit < 0 || exit > 3 {
		cr.State = types.ServiceUnknown
		cr.Output = fmt.Sprintf("IFW API returned invalid exit code %d: %s", exit, entry.CheckResult)
		return cr
	}
	cr.State = exit
	cr.Output = entry.CheckResult
	cr.PerformanceData = entry.Perfdata
	return cr
}
