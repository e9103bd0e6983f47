// Package cloudstack talks to the CloudStack API: it starts asynchronous
// jobs, reads their status and results for the job orchestrator, and drives
// node lifecycles on top of them.
package cloudstack

import (
	"bytes"
	gocontext "context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

const defaultHTTPTimeout = 30 * time.Second

// commands sent as a form POST so that large user data fits
var postCommands = map[string]bool{
	"deployVirtualMachine": true,
	"updateVirtualMachine": true,
}

// Client is a signed CloudStack API client. It implements job.Fetcher,
// predicate.NodeGetter and predicate.ImageGetter.
type Client struct {
	endpoint   *url.URL
	apiKey     string
	secret     string
	httpClient *http.Client
	limiter    *ratelimit.APILimiter
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAPILimiter makes the client wait on l before every request.
func WithAPILimiter(l *ratelimit.APILimiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

func NewClient(endpoint, apiKey, secret string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("missing cloudstack endpoint")
	}
	if apiKey == "" || secret == "" {
		return nil, errors.New("missing cloudstack api key or secret")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "invalid cloudstack endpoint")
	}

	c := &Client{
		endpoint:   u,
		apiKey:     apiKey,
		secret:     secret,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		limiter:    ratelimit.NewAPILimiter(nil, "cloudstack-api", 0, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// encodeValues is url.Values.Encode without escaping keys, which is the form
// CloudStack signs.
func encodeValues(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		for _, val := range v[k] {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(k)
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(val))
		}
	}
	return buf.String()
}

func sign(query, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(strings.Replace(strings.ToLower(query), "+", "%20", -1)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Do runs command and returns the object inside the response envelope.
//
// Network failures and 502/503/504 responses are transient errors. The
// "account owner" failure is reported as errors.ErrNotFound; any other error
// response is a *errors.ProviderError.
func (c *Client) Do(ctx gocontext.Context, command string, params url.Values) (*simplejson.Json, error) {
	if params == nil {
		params = url.Values{}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("apiKey", c.apiKey)
	params.Set("command", command)
	params.Set("response", "json")

	query := encodeValues(params)
	signature := sign(query, c.secret)

	var (
		req *http.Request
		err error
	)
	if postCommands[command] {
		params.Set("signature", signature)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		u := *c.endpoint
		u.RawQuery = query + "&signature=" + url.QueryEscape(signature)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't build request")
	}

	logger := context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":    "cloudstack/client",
		"command": command,
	})

	startedAt := time.Now()
	resp, err := c.httpClient.Do(req)
	context.TimeSince(ctx, "cloudstack.request", startedAt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "request cancelled")
		}
		metrics.Mark("jclouds.cloudstack.request.error")
		return nil, jcerrors.NewTransientError(errors.Wrapf(err, "error calling %s", command))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, jcerrors.NewTransientError(errors.Wrapf(err, "error reading %s response", command))
	}

	logger.WithField("status", resp.StatusCode).Debug("called api")

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, jcerrors.NewTransientError(errors.Errorf("%s returned %d", command, resp.StatusCode))
	}

	inner, err := unwrapEnvelope(body)
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, jcerrors.NewProviderError(fmt.Sprintf("%d", resp.StatusCode), strings.TrimSpace(string(body)))
		}
		return nil, errors.Wrapf(err, "couldn't parse %s response", command)
	}

	if _, ok := inner.CheckGet("errorcode"); ok || resp.StatusCode != http.StatusOK {
		code := jsonText(inner.Get("errorcode"))
		if code == "" {
			code = fmt.Sprintf("%d", resp.StatusCode)
		}
		perr := jcerrors.NewProviderError(code, jsonText(inner.Get("errortext")))

		if jcerrors.IsAccountOwnerMissing(perr) {
			return nil, errors.Wrapf(jcerrors.ErrNotFound, "%s: %s", command, perr.Text)
		}
		return nil, perr
	}

	return inner, nil
}

// unwrapEnvelope returns the single value of the top-level response object,
// e.g. the contents of "listvirtualmachinesresponse".
func unwrapEnvelope(body []byte) (*simplejson.Json, error) {
	js, err := simplejson.NewJson(body)
	if err != nil {
		return nil, err
	}

	m, err := js.Map()
	if err != nil {
		return nil, err
	}

	for k := range m {
		return js.Get(k), nil
	}
	return nil, errors.Errorf("empty response envelope")
}

func jsonText(v *simplejson.Json) string {
	if s, err := v.String(); err == nil {
		return s
	}
	if v.Interface() == nil {
		return ""
	}

	b, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeInto(v *simplejson.Json, out interface{}) error {
	b, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func decodeList[T any](resp *simplejson.Json, key string) ([]T, error) {
	v, ok := resp.CheckGet(key)
	if !ok {
		return nil, nil
	}

	var out []T
	if err := decodeInto(v, &out); err != nil {
		return nil, errors.Wrapf(err, "couldn't decode %s", key)
	}
	return out, nil
}

// asyncCommand runs a command that starts a job and returns the job handle.
func (c *Client) asyncCommand(ctx gocontext.Context, command string, params url.Values) (job.Handle, *simplejson.Json, error) {
	resp, err := c.Do(ctx, command, params)
	if err != nil {
		return "", nil, err
	}

	handle := jsonText(resp.Get("jobid"))
	if handle == "" {
		return "", resp, errors.Errorf("%s returned no job id", command)
	}
	return job.Handle(handle), resp, nil
}

func (c *Client) queryJob(ctx gocontext.Context, handle job.Handle) (*simplejson.Json, error) {
	return c.Do(ctx, "queryAsyncJobResult", url.Values{"jobid": {string(handle)}})
}

// JobStatus implements job.StatusFetcher.
func (c *Client) JobStatus(ctx gocontext.Context, handle job.Handle) (job.Status, error) {
	resp, err := c.queryJob(ctx, handle)
	if err != nil {
		return job.StatusPending, err
	}

	status, err := resp.Get("jobstatus").Int()
	if err != nil {
		return job.StatusPending, errors.Wrap(err, "missing jobstatus")
	}
	return job.Status(status), nil
}

// JobResult implements job.ResultFetcher.
func (c *Client) JobResult(ctx gocontext.Context, handle job.Handle) (*job.AsyncJob, error) {
	resp, err := c.queryJob(ctx, handle)
	if err != nil {
		return nil, err
	}
	return parseAsyncJob(handle, resp)
}

func parseAsyncJob(handle job.Handle, resp *simplejson.Json) (*job.AsyncJob, error) {
	status, err := resp.Get("jobstatus").Int()
	if err != nil {
		return nil, errors.Wrap(err, "missing jobstatus")
	}

	j := &job.AsyncJob{
		ID:         handle,
		Command:    resp.Get("cmd").MustString(),
		Status:     job.Status(status),
		ResultCode: resp.Get("jobresultcode").MustInt(),
		ResultType: resp.Get("jobresulttype").MustString(),
	}
	if id := jsonText(resp.Get("jobid")); id != "" {
		j.ID = job.Handle(id)
	}
	if result, ok := resp.CheckGet("jobresult"); ok {
		j.Result = result
	}
	return j, nil
}

// DeployParams describes a virtual machine to deploy.
type DeployParams struct {
	ZoneID            string
	ServiceOfferingID string
	TemplateID        string
	Name              string
	DisplayName       string
	NetworkIDs        []string
	SecurityGroupIDs  []string
	KeyPair           string
	UserData          string
	Account           string
	DomainID          string
}

func (p DeployParams) values() url.Values {
	v := url.Values{
		"zoneid":            {p.ZoneID},
		"serviceofferingid": {p.ServiceOfferingID},
		"templateid":        {p.TemplateID},
	}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("name", p.Name)
	set("displayname", p.DisplayName)
	set("keypair", p.KeyPair)
	set("account", p.Account)
	set("domainid", p.DomainID)
	if p.UserData != "" {
		v.Set("userdata", base64.StdEncoding.EncodeToString([]byte(p.UserData)))
	}
	if len(p.NetworkIDs) > 0 {
		v.Set("networkids", strings.Join(p.NetworkIDs, ","))
	}
	if len(p.SecurityGroupIDs) > 0 {
		v.Set("securitygroupids", strings.Join(p.SecurityGroupIDs, ","))
	}
	return v
}

// DeployVirtualMachine starts deploying a virtual machine and returns the
// job handle together with the id of the new machine.
func (c *Client) DeployVirtualMachine(ctx gocontext.Context, p DeployParams) (job.Handle, ID, error) {
	handle, resp, err := c.asyncCommand(ctx, "deployVirtualMachine", p.values())
	if err != nil {
		return "", "", err
	}
	return handle, ID(jsonText(resp.Get("id"))), nil
}

func (c *Client) vmCommand(ctx gocontext.Context, command string, id ID) (job.Handle, error) {
	handle, _, err := c.asyncCommand(ctx, command, url.Values{"id": {string(id)}})
	return handle, err
}

func (c *Client) DestroyVirtualMachine(ctx gocontext.Context, id ID) (job.Handle, error) {
	return c.vmCommand(ctx, "destroyVirtualMachine", id)
}

func (c *Client) RebootVirtualMachine(ctx gocontext.Context, id ID) (job.Handle, error) {
	return c.vmCommand(ctx, "rebootVirtualMachine", id)
}

func (c *Client) StartVirtualMachine(ctx gocontext.Context, id ID) (job.Handle, error) {
	return c.vmCommand(ctx, "startVirtualMachine", id)
}

func (c *Client) StopVirtualMachine(ctx gocontext.Context, id ID) (job.Handle, error) {
	return c.vmCommand(ctx, "stopVirtualMachine", id)
}

// GetVirtualMachine returns errors.ErrNotFound when no machine has the id.
func (c *Client) GetVirtualMachine(ctx gocontext.Context, id ID) (*VirtualMachine, error) {
	resp, err := c.Do(ctx, "listVirtualMachines", url.Values{"id": {string(id)}})
	if err != nil {
		return nil, err
	}

	vms, err := decodeList[VirtualMachine](resp, "virtualmachine")
	if err != nil {
		return nil, err
	}
	if len(vms) == 0 {
		return nil, errors.Wrapf(jcerrors.ErrNotFound, "virtual machine %s", id)
	}
	return &vms[0], nil
}

// GetTemplate returns errors.ErrNotFound when no executable template has the
// id.
func (c *Client) GetTemplate(ctx gocontext.Context, id ID) (*Template, error) {
	resp, err := c.Do(ctx, "listTemplates", url.Values{
		"id":             {string(id)},
		"templatefilter": {"executable"},
	})
	if err != nil {
		return nil, err
	}

	templates, err := decodeList[Template](resp, "template")
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, errors.Wrapf(jcerrors.ErrNotFound, "template %s", id)
	}
	return &templates[0], nil
}

func (c *Client) ListCapabilities(ctx gocontext.Context) (*Capabilities, error) {
	resp, err := c.Do(ctx, "listCapabilities", nil)
	if err != nil {
		return nil, err
	}

	capabilities := &Capabilities{}
	if err := decodeInto(resp.Get("capability"), capabilities); err != nil {
		return nil, errors.Wrap(err, "couldn't decode capabilities")
	}
	return capabilities, nil
}

func (c *Client) AssociateIPAddress(ctx gocontext.Context, zoneID, networkID string) (job.Handle, error) {
	params := url.Values{"zoneid": {zoneID}}
	if networkID != "" {
		params.Set("networkid", networkID)
	}
	handle, _, err := c.asyncCommand(ctx, "associateIpAddress", params)
	return handle, err
}

func (c *Client) DisassociateIPAddress(ctx gocontext.Context, ipID ID) (job.Handle, error) {
	handle, _, err := c.asyncCommand(ctx, "disassociateIpAddress", url.Values{"id": {string(ipID)}})
	return handle, err
}

// EnableStaticNAT is synchronous in CloudStack.
func (c *Client) EnableStaticNAT(ctx gocontext.Context, ipID, vmID ID) error {
	_, err := c.Do(ctx, "enableStaticNat", url.Values{
		"ipaddressid":      {string(ipID)},
		"virtualmachineid": {string(vmID)},
	})
	return err
}

func (c *Client) DisableStaticNAT(ctx gocontext.Context, ipID ID) (job.Handle, error) {
	handle, _, err := c.asyncCommand(ctx, "disableStaticNat", url.Values{"ipaddressid": {string(ipID)}})
	return handle, err
}

func (c *Client) ListIPForwardingRules(ctx gocontext.Context, vmID ID) ([]IPForwardingRule, error) {
	resp, err := c.Do(ctx, "listIpForwardingRules", url.Values{"virtualmachineid": {string(vmID)}})
	if err != nil {
		return nil, err
	}
	return decodeList[IPForwardingRule](resp, "ipforwardingrule")
}

func (c *Client) CreateIPForwardingRule(ctx gocontext.Context, ipID ID, protocol string, port int) (job.Handle, error) {
	handle, _, err := c.asyncCommand(ctx, "createIpForwardingRule", url.Values{
		"ipaddressid": {string(ipID)},
		"protocol":    {protocol},
		"startport":   {fmt.Sprintf("%d", port)},
	})
	return handle, err
}

func (c *Client) DeleteIPForwardingRule(ctx gocontext.Context, id ID) (job.Handle, error) {
	handle, _, err := c.asyncCommand(ctx, "deleteIpForwardingRule", url.Values{"id": {string(id)}})
	return handle, err
}

func (c *Client) ListFirewallRules(ctx gocontext.Context, ipID ID) ([]FirewallRule, error) {
	resp, err := c.Do(ctx, "listFirewallRules", url.Values{"ipaddressid": {string(ipID)}})
	if err != nil {
		return nil, err
	}
	return decodeList[FirewallRule](resp, "firewallrule")
}

func (c *Client) CreateFirewallRule(ctx gocontext.Context, ipID ID, protocol string, port int, cidrs []string) (job.Handle, error) {
	params := url.Values{
		"ipaddressid": {string(ipID)},
		"protocol":    {protocol},
		"startport":   {fmt.Sprintf("%d", port)},
		"endport":     {fmt.Sprintf("%d", port)},
	}
	if len(cidrs) > 0 {
		params.Set("cidrlist", strings.Join(cidrs, ","))
	}
	handle, _, err := c.asyncCommand(ctx, "createFirewallRule", params)
	return handle, err
}

func (c *Client) DeleteFirewallRule(ctx gocontext.Context, id ID) (job.Handle, error) {
	handle, _, err := c.asyncCommand(ctx, "deleteFirewallRule", url.Values{"id": {string(id)}})
	return handle, err
}
