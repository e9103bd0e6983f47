package backend

import (
	gocontext "context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jtacoma/uritemplates"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/config"
	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/predicate"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

const (
	vcloudAuthHeader = "x-vcloud-authorization"
	vcloudAccept     = "application/*+xml;version=1.0"

	vcloudLoginTemplate        = "{+endpoint}/login"
	vcloudTaskTemplate         = "{+endpoint}/task/{id}"
	vcloudVAppHrefTemplate     = "{+endpoint}/vApp/{id}"
	vcloudVAppTemplateTemplate = "{+endpoint}/vAppTemplate/{id}"
)

var (
	defaultVCloudHTTPTimeout = time.Minute

	vcloudProviderHelp = map[string]string{
		"ENDPOINT":     "[REQUIRED] API base, e.g. https://vcloud.example.com/api/v1.0",
		"USERNAME":     "[REQUIRED] user name, user@org for vCloud Director",
		"PASSWORD":     "[REQUIRED] password",
		"HTTP_TIMEOUT": fmt.Sprintf("timeout of a single API request (default %v)", defaultVCloudHTTPTimeout),
	}
)

func init() {
	Register("vcloud", "vCloud", vcloudProviderHelp, newVCloudProvider)
	Register("terremark", "Terremark vCloud Express", vcloudProviderHelp, newVCloudProvider)
}

type vcloudError struct {
	Message        string `xml:"message,attr"`
	MajorErrorCode string `xml:"majorErrorCode,attr"`
	MinorErrorCode string `xml:"minorErrorCode,attr"`
}

type vcloudTask struct {
	XMLName   xml.Name     `xml:"Task"`
	Href      string       `xml:"href,attr"`
	Status    string       `xml:"status,attr"`
	Operation string       `xml:"operation,attr"`
	Error     *vcloudError `xml:"Error"`
}

type vcloudVApp struct {
	XMLName xml.Name `xml:"VApp"`
	Href    string   `xml:"href,attr"`
	Name    string   `xml:"name,attr"`
	Status  int      `xml:"status,attr"`

	VMIPs         []string `xml:"Children>Vm>NetworkConnectionSection>NetworkConnection>IpAddress"`
	VMExternalIPs []string `xml:"Children>Vm>NetworkConnectionSection>NetworkConnection>ExternalIpAddress"`
	IPs           []string `xml:"NetworkConnectionSection>NetworkConnection>IpAddress"`

	Tasks []vcloudTask `xml:"Tasks>Task"`
}

type vcloudVAppTemplate struct {
	XMLName xml.Name     `xml:"VAppTemplate"`
	Href    string       `xml:"href,attr"`
	Name    string       `xml:"name,attr"`
	Status  int          `xml:"status,attr"`
	Tasks   []vcloudTask `xml:"Tasks>Task"`
}

type vcloudProvider struct {
	endpoint string
	username string
	password string

	httpClient *http.Client
	limiter    *ratelimit.APILimiter

	tokenMutex sync.Mutex
	token      string
}

func newVCloudProvider(cfg *config.ProviderConfig, limiter *ratelimit.APILimiter) (Provider, error) {
	if !cfg.IsSet("ENDPOINT") {
		return nil, ErrMissingEndpointConfig
	}
	if err := requireKeys(cfg, "USERNAME", "PASSWORD"); err != nil {
		return nil, err
	}

	timeout, err := cfg.GetDuration("HTTP_TIMEOUT", defaultVCloudHTTPTimeout)
	if err != nil {
		return nil, err
	}

	return &vcloudProvider{
		endpoint:   strings.TrimSuffix(cfg.Get("ENDPOINT"), "/"),
		username:   cfg.Get("USERNAME"),
		password:   cfg.Get("PASSWORD"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}, nil
}

// href expands a resource template for id. Absolute hrefs, as returned in
// Location headers and Task elements, are used as they are.
func (p *vcloudProvider) href(template, id string) (string, error) {
	if strings.HasPrefix(id, "https://") || strings.HasPrefix(id, "http://") {
		return id, nil
	}

	tmpl, err := uritemplates.Parse(template)
	if err != nil {
		return "", errors.Wrap(err, "couldn't parse URL template")
	}

	u, err := tmpl.Expand(map[string]interface{}{
		"endpoint": p.endpoint,
		"id":       id,
	})
	if err != nil {
		return "", errors.Wrap(err, "couldn't expand URL template")
	}
	return u, nil
}

func (p *vcloudProvider) authToken(ctx gocontext.Context, renew bool) (string, error) {
	p.tokenMutex.Lock()
	defer p.tokenMutex.Unlock()

	if p.token != "" && !renew {
		return p.token, nil
	}

	u, err := p.href(vcloudLoginTemplate, "")
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u, nil)
	if err != nil {
		return "", errors.Wrap(err, "couldn't create login request")
	}
	req.SetBasicAuth(p.username, p.password)
	req.Header.Set("Accept", vcloudAccept)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", jcerrors.NewTransientError(errors.Wrap(err, "error logging in"))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", jcerrors.NewProviderError(strconv.Itoa(resp.StatusCode), "login failed")
	}

	p.token = resp.Header.Get(vcloudAuthHeader)
	if p.token == "" {
		return "", errors.Errorf("login response had no %s header", vcloudAuthHeader)
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":     "backend/vcloud_provider",
		"endpoint": p.endpoint,
		"renew":    renew,
	}).Debug("logged in")

	return p.token, nil
}

func (p *vcloudProvider) get(ctx gocontext.Context, href string, v interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	token, err := p.authToken(ctx, false)
	if err != nil {
		return err
	}

	resp, err := p.do(ctx, href, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()

		token, err = p.authToken(ctx, true)
		if err != nil {
			return err
		}
		resp, err = p.do(ctx, href, token)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return errors.Wrapf(xml.NewDecoder(resp.Body).Decode(v), "couldn't decode %s", href)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(jcerrors.ErrNotFound, href)
	case resp.StatusCode >= 500:
		return jcerrors.NewTransientError(errors.Errorf("GET %s: %s", href, resp.Status))
	}

	vErr := &vcloudError{}
	if err := xml.NewDecoder(resp.Body).Decode(vErr); err != nil || vErr.Message == "" {
		return jcerrors.NewProviderError(strconv.Itoa(resp.StatusCode), resp.Status)
	}
	return jcerrors.NewProviderError(vErr.MajorErrorCode, vErr.Message)
}

func (p *vcloudProvider) do(ctx gocontext.Context, href, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", href, nil)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create request")
	}
	req.Header.Set("Accept", vcloudAccept)
	req.Header.Set(vcloudAuthHeader, token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, jcerrors.NewTransientError(errors.Wrapf(err, "GET %s", href))
	}
	return resp, nil
}

func vcloudNodeState(status int) predicate.NodeState {
	switch status {
	case -1:
		return predicate.NodeStateError
	case 4:
		return predicate.NodeStateRunning
	case 3, 8:
		return predicate.NodeStateSuspended
	case 6, 7:
		return predicate.NodeStateUnrecognized
	default:
		return predicate.NodeStatePending
	}
}

func vcloudImageState(status int) predicate.ImageState {
	switch status {
	case 1, 8:
		return predicate.ImageStateAvailable
	case -1:
		return predicate.ImageStateError
	default:
		return predicate.ImageStatePending
	}
}

func vcloudTaskStatus(status string) predicate.TaskStatus {
	switch strings.ToLower(status) {
	case "queued", "prerunning":
		return predicate.TaskStatusQueued
	case "running":
		return predicate.TaskStatusRunning
	case "success":
		return predicate.TaskStatusSuccess
	case "error":
		return predicate.TaskStatusError
	case "canceled", "cancelled":
		return predicate.TaskStatusCancelled
	case "aborted":
		return predicate.TaskStatusAborted
	default:
		return predicate.TaskStatusRunning
	}
}

func lastTaskDetail(tasks []vcloudTask) string {
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].Error != nil {
			return tasks[i].Error.Message
		}
	}
	return ""
}

func (p *vcloudProvider) GetNode(ctx gocontext.Context, id string) (*predicate.Node, error) {
	u, err := p.href(vcloudVAppHrefTemplate, id)
	if err != nil {
		return nil, err
	}

	vApp := &vcloudVApp{}
	if err := p.get(ctx, u, vApp); err != nil {
		return nil, err
	}

	node := &predicate.Node{
		ID:            id,
		Name:          vApp.Name,
		State:         vcloudNodeState(vApp.Status),
		ProviderState: strconv.Itoa(vApp.Status),
		PublicAddrs:   vApp.VMExternalIPs,
		PrivateAddrs:  append(append([]string{}, vApp.VMIPs...), vApp.IPs...),
		StatusDetail:  lastTaskDetail(vApp.Tasks),
	}
	return node, nil
}

func (p *vcloudProvider) GetImage(ctx gocontext.Context, id string) (*predicate.Image, error) {
	u, err := p.href(vcloudVAppTemplateTemplate, id)
	if err != nil {
		return nil, err
	}

	tmpl := &vcloudVAppTemplate{}
	if err := p.get(ctx, u, tmpl); err != nil {
		return nil, err
	}

	return &predicate.Image{
		ID:            id,
		Name:          tmpl.Name,
		State:         vcloudImageState(tmpl.Status),
		ProviderState: strconv.Itoa(tmpl.Status),
		StatusDetail:  lastTaskDetail(tmpl.Tasks),
	}, nil
}

// GetTask accepts either a task id or the task's href.
func (p *vcloudProvider) GetTask(ctx gocontext.Context, id string) (*predicate.Task, error) {
	u, err := p.href(vcloudTaskTemplate, id)
	if err != nil {
		return nil, err
	}

	vt := &vcloudTask{}
	if err := p.get(ctx, u, vt); err != nil {
		return nil, err
	}

	task := &predicate.Task{
		ID:        id,
		Operation: vt.Operation,
		Status:    vcloudTaskStatus(vt.Status),
	}
	if vt.Error != nil {
		task.ErrorCode = vt.Error.MajorErrorCode
		task.ErrorText = vt.Error.Message
	}
	return task, nil
}
