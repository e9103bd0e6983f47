package cloudstack

import (
	gocontext "context"
	"strings"
	"time"

	"github.com/mitchellh/multistep"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/job"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
)

const ruleStateDeleting = "Deleting"

// NodeOptions describes a node to create.
type NodeOptions struct {
	DeployParams

	// StaticNAT associates a public IP with the node for each network and
	// opens InboundPorts on it.
	StaticNAT    bool
	InboundPorts []int
	CIDRs        []string
}

// CreatedNode is the outcome of CreateNode.
type CreatedNode struct {
	VM              *VirtualMachine
	PublicIPs       []*PublicIPAddress
	ForwardingRules []IPForwardingRule
	FirewallRules   []FirewallRule
}

// ComputeAdapter drives node lifecycles through CloudStack jobs.
type ComputeAdapter struct {
	client *Client
	jobs   *job.Orchestrator
	rules  *RuleCache
}

func NewComputeAdapter(client *Client, jobs *job.Orchestrator, rules *RuleCache) *ComputeAdapter {
	if rules == nil {
		rules = NewRuleCache(client.ListIPForwardingRules)
	}
	return &ComputeAdapter{client: client, jobs: jobs, rules: rules}
}

func (a *ComputeAdapter) Rules() *RuleCache {
	return a.rules
}

type createContext struct {
	ctx  gocontext.Context
	opts NodeOptions

	deployJob job.Handle
	node      *CreatedNode
	err       error
}

type createStep struct {
	f func(*createContext) multistep.StepAction
	c *createContext
}

func (s *createStep) Run(multistep.StateBag) multistep.StepAction {
	if err := s.c.ctx.Err(); err != nil {
		s.c.err = err
		return multistep.ActionHalt
	}
	return s.f(s.c)
}

func (s *createStep) Cleanup(multistep.StateBag) {}

// CreateNode deploys a virtual machine, waits for it, and when asked sets up
// static NAT with forwarding or firewall rules for the inbound ports.
func (a *ComputeAdapter) CreateNode(ctx gocontext.Context, opts NodeOptions) (*CreatedNode, error) {
	ctx = context.FromOperation(ctx, "create-node")
	logger := context.LoggerFromContext(ctx).WithField("self", "cloudstack/compute")
	startedAt := time.Now()

	c := &createContext{ctx: ctx, opts: opts, node: &CreatedNode{}}

	runner := &multistep.BasicRunner{
		Steps: []multistep.Step{
			&createStep{c: c, f: a.stepDeploy},
			&createStep{c: c, f: a.stepAwaitDeploy},
			&createStep{c: c, f: a.stepStaticNAT},
			&createStep{c: c, f: a.stepRecordRules},
		},
	}

	logger.WithFields(logrus.Fields{
		"zone":             opts.ZoneID,
		"template":         opts.TemplateID,
		"service_offering": opts.ServiceOfferingID,
	}).Info("creating node")

	runner.Run(&multistep.BasicStateBag{})

	if c.err != nil {
		metrics.Mark("jclouds.cloudstack.create-node.failed")
		return nil, c.err
	}

	context.TimeSince(ctx, "cloudstack.create-node", startedAt)
	logger.WithFields(logrus.Fields{
		"vm":         c.node.VM.ID,
		"public_ips": len(c.node.PublicIPs),
	}).Info("created node")

	return c.node, nil
}

func (a *ComputeAdapter) stepDeploy(c *createContext) multistep.StepAction {
	handle, vmID, err := a.client.DeployVirtualMachine(c.ctx, c.opts.DeployParams)
	if err != nil {
		c.err = errors.Wrap(err, "couldn't deploy virtual machine")
		return multistep.ActionHalt
	}

	context.LoggerFromContext(c.ctx).WithFields(logrus.Fields{
		"self": "cloudstack/compute",
		"vm":   vmID,
		"job":  handle,
	}).Debug("deploying virtual machine")

	c.deployJob = handle
	return multistep.ActionContinue
}

func (a *ComputeAdapter) stepAwaitDeploy(c *createContext) multistep.StepAction {
	vm, err := job.AwaitAs[*VirtualMachine](c.ctx, a.jobs, c.deployJob)
	if err != nil {
		c.err = errors.Wrap(err, "virtual machine deployment did not succeed")
		return multistep.ActionHalt
	}

	c.node.VM = vm
	return multistep.ActionContinue
}

func (a *ComputeAdapter) stepStaticNAT(c *createContext) multistep.StepAction {
	if !c.opts.StaticNAT {
		return multistep.ActionContinue
	}

	logger := context.LoggerFromContext(c.ctx).WithFields(logrus.Fields{
		"self": "cloudstack/compute",
		"vm":   c.node.VM.ID,
	})

	capabilities, err := a.client.ListCapabilities(c.ctx)
	if err != nil {
		c.err = errors.Wrap(err, "couldn't list capabilities")
		return multistep.ActionHalt
	}
	// 2.x has no firewall rules; ports are opened with IP forwarding rules
	useForwarding := strings.HasPrefix(capabilities.CloudStackVersion, "2")

	networkIDs := c.opts.NetworkIDs
	if len(networkIDs) == 0 {
		networkIDs = []string{""}
	}

	for _, networkID := range networkIDs {
		handle, err := a.client.AssociateIPAddress(c.ctx, c.opts.ZoneID, networkID)
		if err != nil {
			c.err = errors.Wrap(err, "couldn't associate ip address")
			return multistep.ActionHalt
		}

		ip, err := job.AwaitAs[*PublicIPAddress](c.ctx, a.jobs, handle)
		if err != nil {
			c.err = errors.Wrap(err, "ip address association did not succeed")
			return multistep.ActionHalt
		}
		c.node.PublicIPs = append(c.node.PublicIPs, ip)

		logger.WithFields(logrus.Fields{
			"ip":      ip.IPAddress,
			"network": networkID,
		}).Debug("enabling static nat")

		if err := a.client.EnableStaticNAT(c.ctx, ip.ID, c.node.VM.ID); err != nil {
			c.err = errors.Wrap(err, "couldn't enable static nat")
			return multistep.ActionHalt
		}

		vm, err := a.client.GetVirtualMachine(c.ctx, c.node.VM.ID)
		if err != nil {
			c.err = errors.Wrap(err, "couldn't refresh virtual machine")
			return multistep.ActionHalt
		}
		c.node.VM = vm

		if useForwarding {
			rules, err := a.openForwarding(c.ctx, ip, c.opts.InboundPorts)
			if err != nil {
				c.err = err
				return multistep.ActionHalt
			}
			c.node.ForwardingRules = append(c.node.ForwardingRules, rules...)
		} else {
			rules, err := a.openFirewall(c.ctx, ip, c.opts.InboundPorts, c.opts.CIDRs)
			if err != nil {
				c.err = err
				return multistep.ActionHalt
			}
			c.node.FirewallRules = append(c.node.FirewallRules, rules...)
		}
	}

	return multistep.ActionContinue
}

func (a *ComputeAdapter) openForwarding(ctx gocontext.Context, ip *PublicIPAddress, ports []int) ([]IPForwardingRule, error) {
	handles := make([]job.Handle, 0, len(ports))
	for _, port := range ports {
		handle, err := a.client.CreateIPForwardingRule(ctx, ip.ID, "tcp", port)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't create ip forwarding rule for port %d", port)
		}
		handles = append(handles, handle)
	}

	results, err := a.jobs.AwaitAll(ctx, handles)
	if err != nil {
		return nil, errors.Wrap(err, "ip forwarding rule creation did not succeed")
	}

	rules := make([]IPForwardingRule, 0, len(results))
	for _, r := range results {
		rule, ok := r.Value.(*IPForwardingRule)
		if !ok {
			return nil, &jcerrors.UnrecognizedResultError{Job: r.Job, Want: "ipforwardingrule"}
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

func (a *ComputeAdapter) openFirewall(ctx gocontext.Context, ip *PublicIPAddress, ports []int, cidrs []string) ([]FirewallRule, error) {
	handles := make([]job.Handle, 0, len(ports))
	for _, port := range ports {
		handle, err := a.client.CreateFirewallRule(ctx, ip.ID, "tcp", port, cidrs)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't create firewall rule for port %d", port)
		}
		handles = append(handles, handle)
	}

	results, err := a.jobs.AwaitAll(ctx, handles)
	if err != nil {
		return nil, errors.Wrap(err, "firewall rule creation did not succeed")
	}

	rules := make([]FirewallRule, 0, len(results))
	for _, r := range results {
		rule, ok := r.Value.(*FirewallRule)
		if !ok {
			return nil, &jcerrors.UnrecognizedResultError{Job: r.Job, Want: "firewallrule"}
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

func (a *ComputeAdapter) stepRecordRules(c *createContext) multistep.StepAction {
	if len(c.node.ForwardingRules) > 0 {
		a.rules.Put(c.node.VM.ID, c.node.ForwardingRules)
	}
	return multistep.ActionContinue
}

// orderedSet keeps ids in insertion order without duplicates.
type orderedSet struct {
	seen map[ID]bool
	ids  []ID
}

func (s *orderedSet) add(id ID) {
	if id == "" {
		return
	}
	if s.seen == nil {
		s.seen = map[ID]bool{}
	}
	if !s.seen[id] {
		s.seen[id] = true
		s.ids = append(s.ids, id)
	}
}

// DestroyNode removes a virtual machine together with the NAT setup made
// for it. Forwarding and firewall rules are deleted before static NAT is
// disabled and their addresses released, since an address that still has
// rules cannot be released.
func (a *ComputeAdapter) DestroyNode(ctx gocontext.Context, vmID ID) error {
	ctx = context.FromResourceID(context.FromOperation(ctx, "destroy-node"), string(vmID))
	logger := context.LoggerFromContext(ctx).WithField("self", "cloudstack/compute")

	ips := &orderedSet{}

	if err := a.deleteForwardingRules(ctx, vmID, ips); err != nil {
		return err
	}
	if err := a.deleteFirewallRules(ctx, vmID, ips); err != nil {
		return err
	}

	if err := a.eachIPJob(ctx, ips.ids, a.client.DisableStaticNAT); err != nil {
		return errors.Wrap(err, "couldn't disable static nat")
	}
	if err := a.eachIPJob(ctx, ips.ids, a.client.DisassociateIPAddress); err != nil {
		return errors.Wrap(err, "couldn't disassociate ip addresses")
	}

	handle, err := a.client.DestroyVirtualMachine(ctx, vmID)
	switch {
	case jcerrors.IsNotFound(err):
		logger.Debug("virtual machine not found, nothing to destroy")
	case err != nil:
		return errors.Wrap(err, "couldn't destroy virtual machine")
	default:
		logger.WithField("job", handle).Debug("destroying virtual machine")
		if err := a.jobs.AwaitCompletion(ctx, handle); err != nil {
			return errors.Wrap(err, "virtual machine destruction did not succeed")
		}
	}

	a.rules.Invalidate(vmID)
	logger.WithField("ips", len(ips.ids)).Info("destroyed node")
	return nil
}

func (a *ComputeAdapter) deleteForwardingRules(ctx gocontext.Context, vmID ID, ips *orderedSet) error {
	rules, err := a.client.ListIPForwardingRules(ctx, vmID)
	if jcerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "couldn't list ip forwarding rules")
	}

	var handles []job.Handle
	for _, rule := range rules {
		if rule.State == ruleStateDeleting {
			continue
		}
		ips.add(rule.IPAddressID)

		handle, err := a.client.DeleteIPForwardingRule(ctx, rule.ID)
		if jcerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "couldn't delete ip forwarding rule %s", rule.ID)
		}
		handles = append(handles, handle)
	}

	if _, err := a.jobs.AwaitAll(ctx, handles); err != nil {
		return errors.Wrap(err, "ip forwarding rule deletion did not succeed")
	}
	return nil
}

func (a *ComputeAdapter) deleteFirewallRules(ctx gocontext.Context, vmID ID, ips *orderedSet) error {
	vm, err := a.client.GetVirtualMachine(ctx, vmID)
	if jcerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "couldn't get virtual machine")
	}
	if vm.PublicIPID == "" {
		return nil
	}

	rules, err := a.client.ListFirewallRules(ctx, vm.PublicIPID)
	if err != nil {
		return errors.Wrap(err, "couldn't list firewall rules")
	}

	var handles []job.Handle
	for _, rule := range rules {
		if rule.State == ruleStateDeleting {
			continue
		}
		ips.add(rule.IPAddressID)

		handle, err := a.client.DeleteFirewallRule(ctx, rule.ID)
		if jcerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "couldn't delete firewall rule %s", rule.ID)
		}
		handles = append(handles, handle)
	}

	if _, err := a.jobs.AwaitAll(ctx, handles); err != nil {
		return errors.Wrap(err, "firewall rule deletion did not succeed")
	}
	return nil
}

func (a *ComputeAdapter) eachIPJob(ctx gocontext.Context, ips []ID, start func(gocontext.Context, ID) (job.Handle, error)) error {
	var handles []job.Handle
	for _, ip := range ips {
		handle, err := start(ctx, ip)
		if jcerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "ip address %s", ip)
		}
		handles = append(handles, handle)
	}

	_, err := a.jobs.AwaitAll(ctx, handles)
	return err
}

func (a *ComputeAdapter) vmJob(ctx gocontext.Context, operation string, vmID ID, start func(gocontext.Context, ID) (job.Handle, error)) error {
	ctx = context.FromResourceID(context.FromOperation(ctx, operation), string(vmID))

	handle, err := start(ctx, vmID)
	if err != nil {
		return errors.Wrapf(err, "couldn't %s virtual machine", operation)
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self": "cloudstack/compute",
		"job":  handle,
	}).Debug("awaiting virtual machine job")

	return a.jobs.AwaitCompletion(ctx, handle)
}

func (a *ComputeAdapter) RebootNode(ctx gocontext.Context, vmID ID) error {
	return a.vmJob(ctx, "reboot", vmID, a.client.RebootVirtualMachine)
}

// ResumeNode starts a stopped virtual machine.
func (a *ComputeAdapter) ResumeNode(ctx gocontext.Context, vmID ID) error {
	return a.vmJob(ctx, "start", vmID, a.client.StartVirtualMachine)
}

// SuspendNode stops a running virtual machine.
func (a *ComputeAdapter) SuspendNode(ctx gocontext.Context, vmID ID) error {
	return a.vmJob(ctx, "stop", vmID, a.client.StopVirtualMachine)
}
