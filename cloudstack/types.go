package cloudstack

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/jclouds/legacy-jclouds-sub040/predicate"
)

// ID is a CloudStack resource id. Releases before 3.0 use numeric ids, later
// ones UUID strings; both decode into an ID.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type NIC struct {
	ID          ID     `json:"id"`
	NetworkID   ID     `json:"networkid"`
	IPAddress   string `json:"ipaddress"`
	Netmask     string `json:"netmask"`
	Gateway     string `json:"gateway"`
	IsDefault   bool   `json:"isdefault"`
	TrafficType string `json:"traffictype"`
	Type        string `json:"type"`
}

type SecurityGroup struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Account     string `json:"account"`
	Domain      string `json:"domain"`
}

type VirtualMachine struct {
	ID                  ID              `json:"id"`
	Name                string          `json:"name"`
	DisplayName         string          `json:"displayname"`
	Account             string          `json:"account"`
	Domain              string          `json:"domain"`
	DomainID            ID              `json:"domainid"`
	State               string          `json:"state"`
	ZoneID              ID              `json:"zoneid"`
	ZoneName            string          `json:"zonename"`
	TemplateID          ID              `json:"templateid"`
	TemplateName        string          `json:"templatename"`
	ServiceOfferingID   ID              `json:"serviceofferingid"`
	ServiceOfferingName string          `json:"serviceofferingname"`
	Hypervisor          string          `json:"hypervisor"`
	IPAddress           string          `json:"ipaddress"`
	PublicIP            string          `json:"publicip"`
	PublicIPID          ID              `json:"publicipid"`
	Password            string          `json:"password"`
	PasswordEnabled     bool            `json:"passwordenabled"`
	Created             string          `json:"created"`
	NICs                []NIC           `json:"nic"`
	SecurityGroups      []SecurityGroup `json:"securitygroup"`
}

// NodeState maps the CloudStack virtual machine state onto the portable
// node states.
func (vm *VirtualMachine) NodeState() predicate.NodeState {
	switch strings.ToLower(vm.State) {
	case "starting", "stopping", "migrating", "shutdowned":
		return predicate.NodeStatePending
	case "running":
		return predicate.NodeStateRunning
	case "stopped":
		return predicate.NodeStateSuspended
	case "destroyed", "expunging":
		return predicate.NodeStateTerminated
	case "error":
		return predicate.NodeStateError
	default:
		return predicate.NodeStateUnrecognized
	}
}

// Node returns the portable snapshot of vm.
func (vm *VirtualMachine) Node() *predicate.Node {
	node := &predicate.Node{
		ID:            string(vm.ID),
		Name:          vm.Name,
		State:         vm.NodeState(),
		ProviderState: vm.State,
	}

	if vm.PublicIP != "" {
		node.PublicAddrs = append(node.PublicAddrs, vm.PublicIP)
	}
	for _, nic := range vm.NICs {
		if nic.IPAddress != "" {
			node.PrivateAddrs = append(node.PrivateAddrs, nic.IPAddress)
		}
	}
	if len(node.PrivateAddrs) == 0 && vm.IPAddress != "" {
		node.PrivateAddrs = append(node.PrivateAddrs, vm.IPAddress)
	}

	return node
}

type Template struct {
	ID              ID     `json:"id"`
	Name            string `json:"name"`
	DisplayText     string `json:"displaytext"`
	OSTypeID        ID     `json:"ostypeid"`
	OSTypeName      string `json:"ostypename"`
	ZoneID          ID     `json:"zoneid"`
	ZoneName        string `json:"zonename"`
	Status          string `json:"status"`
	Format          string `json:"format"`
	Hypervisor      string `json:"hypervisor"`
	Size            int64  `json:"size"`
	TemplateType    string `json:"templatetype"`
	IsReady         bool   `json:"isready"`
	IsPublic        bool   `json:"ispublic"`
	IsFeatured      bool   `json:"isfeatured"`
	PasswordEnabled bool   `json:"passwordenabled"`
	CrossZones      bool   `json:"crosszones"`
	Bootable        bool   `json:"bootable"`
	Extractable     bool   `json:"isextractable"`
	Checksum        string `json:"checksum"`
	Created         string `json:"created"`
}

// ImageState maps a template onto the portable image states.
func (t *Template) ImageState() predicate.ImageState {
	if t.IsReady {
		return predicate.ImageStateAvailable
	}

	status := strings.ToLower(t.Status)
	switch {
	case strings.Contains(status, "error"), strings.Contains(status, "failed"), strings.Contains(status, "abandoned"):
		return predicate.ImageStateError
	default:
		return predicate.ImageStatePending
	}
}

// TemplateExtraction is the result of an extractTemplate job. It shares the
// "template" result key with Template.
type TemplateExtraction struct {
	ID               ID     `json:"id"`
	Name             string `json:"name"`
	ExtractID        ID     `json:"extractId"`
	AccountID        ID     `json:"accountid"`
	State            string `json:"state"`
	Status           string `json:"status"`
	StorageType      string `json:"storagetype"`
	UploadPercentage int    `json:"uploadpercentage"`
	URL              string `json:"url"`
	ZoneID           ID     `json:"zoneid"`
	ZoneName         string `json:"zonename"`
	ExtractMode      string `json:"extractMode"`
	Created          string `json:"created"`
}

type IPForwardingRule struct {
	ID                        ID     `json:"id"`
	IPAddress                 string `json:"ipaddress"`
	IPAddressID               ID     `json:"ipaddressid"`
	Protocol                  string `json:"protocol"`
	StartPort                 int    `json:"startport"`
	EndPort                   int    `json:"endport"`
	PublicPort                int    `json:"publicport"`
	PublicEndPort             int    `json:"publicendport"`
	State                     string `json:"state"`
	VirtualMachineID          ID     `json:"virtualmachineid"`
	VirtualMachineName        string `json:"virtualmachinename"`
	VirtualMachineDisplayName string `json:"virtualmachinedisplayname"`
}

type PortForwardingRule struct {
	ID               ID     `json:"id"`
	IPAddress        string `json:"ipaddress"`
	IPAddressID      ID     `json:"ipaddressid"`
	Protocol         string `json:"protocol"`
	PrivatePort      string `json:"privateport"`
	PrivateEndPort   string `json:"privateendport"`
	PublicPort       string `json:"publicport"`
	PublicEndPort    string `json:"publicendport"`
	State            string `json:"state"`
	VirtualMachineID ID     `json:"virtualmachineid"`
	CIDRList         string `json:"cidrlist"`
}

type FirewallRule struct {
	ID          ID     `json:"id"`
	IPAddress   string `json:"ipaddress"`
	IPAddressID ID     `json:"ipaddressid"`
	Protocol    string `json:"protocol"`
	StartPort   int    `json:"startport"`
	EndPort     int    `json:"endport"`
	State       string `json:"state"`
	CIDRList    string `json:"cidrlist"`
	ICMPCode    int    `json:"icmpcode"`
	ICMPType    int    `json:"icmptype"`
}

type PublicIPAddress struct {
	ID                  ID     `json:"id"`
	IPAddress           string `json:"ipaddress"`
	Allocated           string `json:"allocated"`
	AssociatedNetworkID ID     `json:"associatednetworkid"`
	NetworkID           ID     `json:"networkid"`
	IsSourceNAT         bool   `json:"issourcenat"`
	IsStaticNAT         bool   `json:"isstaticnat"`
	State               string `json:"state"`
	VirtualMachineID    ID     `json:"virtualmachineid"`
	ZoneID              ID     `json:"zoneid"`
	ZoneName            string `json:"zonename"`
}

type Network struct {
	ID                  ID     `json:"id"`
	Name                string `json:"name"`
	DisplayText         string `json:"displaytext"`
	ZoneID              ID     `json:"zoneid"`
	NetworkOfferingID   ID     `json:"networkofferingid"`
	Type                string `json:"type"`
	State               string `json:"state"`
	BroadcastDomainType string `json:"broadcastdomaintype"`
	TrafficType         string `json:"traffictype"`
	Gateway             string `json:"gateway"`
	Netmask             string `json:"netmask"`
	IsDefault           bool   `json:"isdefault"`
}

type Volume struct {
	ID               ID     `json:"id"`
	Name             string `json:"name"`
	ZoneID           ID     `json:"zoneid"`
	Type             string `json:"type"`
	DeviceID         int64  `json:"deviceid"`
	VirtualMachineID ID     `json:"virtualmachineid"`
	Size             int64  `json:"size"`
	State            string `json:"state"`
	Created          string `json:"created"`
}

type Snapshot struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	VolumeID     ID     `json:"volumeid"`
	VolumeName   string `json:"volumename"`
	SnapshotType string `json:"snapshottype"`
	State        string `json:"state"`
	Created      string `json:"created"`
}

type Capabilities struct {
	CloudStackVersion         string `json:"cloudstackversion"`
	SecurityGroupsEnabled     bool   `json:"securitygroupsenabled"`
	UserPublicTemplateEnabled bool   `json:"userpublictemplateenabled"`
	SupportELB                string `json:"supportELB"`
}

// Success is the result of jobs that only report whether they worked, such
// as deleting a rule.
type Success struct {
	Success     bool   `json:"success"`
	DisplayText string `json:"displaytext"`
}
