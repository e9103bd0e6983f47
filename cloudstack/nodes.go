package cloudstack

import (
	gocontext "context"

	"github.com/jclouds/legacy-jclouds-sub040/predicate"
)

// GetNode implements predicate.NodeGetter.
func (c *Client) GetNode(ctx gocontext.Context, id string) (*predicate.Node, error) {
	vm, err := c.GetVirtualMachine(ctx, ID(id))
	if err != nil {
		return nil, err
	}
	return vm.Node(), nil
}

// GetImage implements predicate.ImageGetter over templates.
func (c *Client) GetImage(ctx gocontext.Context, id string) (*predicate.Image, error) {
	t, err := c.GetTemplate(ctx, ID(id))
	if err != nil {
		return nil, err
	}

	return &predicate.Image{
		ID:            string(t.ID),
		Name:          t.Name,
		State:         t.ImageState(),
		ProviderState: t.Status,
		StatusDetail:  t.Status,
	}, nil
}
