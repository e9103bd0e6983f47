package cloudstack

import (
	simplejson "github.com/bitly/go-simplejson"

	"github.com/jclouds/legacy-jclouds-sub040/job"
)

const (
	keyTemplate            = "template"
	typeTemplate           = "template"
	typeTemplateExtraction = "templateextraction"
)

// templateShape tells a Template from a TemplateExtraction. Both arrive
// under the "template" key and the payload names neither; only an
// extraction carries a non-empty "state". Providers that start sending state
// on plain templates will break this probe, which is why both shapes have
// fixtures in the tests.
func templateShape(value *simplejson.Json) string {
	if state, err := value.Get("state").String(); err == nil && state != "" {
		return typeTemplateExtraction
	}
	return typeTemplate
}

func decodeSuccess(value *simplejson.Json) (interface{}, error) {
	ok, err := value.Bool()
	if err != nil {
		return nil, err
	}
	return &Success{Success: ok}, nil
}

// DefaultResultRegistry returns the result decoders for CloudStack jobs.
// Callers extend it with job.Registry.With.
func DefaultResultRegistry() *job.Registry {
	return job.NewRegistry().
		With("virtualmachine", job.DecodeAs[VirtualMachine]()).
		With("ipaddress", job.DecodeAs[PublicIPAddress]()).
		With("ipforwardingrule", job.DecodeAs[IPForwardingRule]()).
		With("portforwardingrule", job.DecodeAs[PortForwardingRule]()).
		With("firewallrule", job.DecodeAs[FirewallRule]()).
		With("network", job.DecodeAs[Network]()).
		With("volume", job.DecodeAs[Volume]()).
		With("snapshot", job.DecodeAs[Snapshot]()).
		With("securitygroup", job.DecodeAs[SecurityGroup]()).
		With("success", decodeSuccess).
		WithAmbiguous(keyTemplate, templateShape, map[string]job.Decoder{
			typeTemplate:           job.DecodeAs[Template](),
			typeTemplateExtraction: job.DecodeAs[TemplateExtraction](),
		})
}
