package controller

import (
	"context"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

// noneController is the inert back-end used when no SDN controller is
// configured. Per spec.md §4.4 "No-SDN fallback", the Scheduler treats
// its presence as a signal to push every non-ignored endpoint straight
// to known and otherwise do nothing.
type noneController struct{}

// NewNone returns the no-op Controller back-end.
func NewNone() Controller { return noneController{} }

func (noneController) Poll(context.Context, []PushEvent) ([]endpoint.Observation, error) {
	return nil, nil
}

func (noneController) Mirror(context.Context, *endpoint.Endpoint) (bool, error)   { return true, nil }
func (noneController) Unmirror(context.Context, *endpoint.Endpoint) (bool, error) { return true, nil }
func (noneController) ClearFilters(context.Context) error                        { return nil }

func (noneController) UpdateACLs(context.Context, string, []*endpoint.Endpoint) (bool, []ACLAction, error) {
	return false, nil, nil
}
