package loadbalancer

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
)

// LoadBalancer reports instance health and performs the
// register/deregister calls the agent makes around a unit
// convergence. The Doctor only ever uses HealthyInstances; the agent
// uses all three.
type LoadBalancer interface {
	// HealthyInstances returns the subset of candidateInstanceIDs that
	// the named load balancer currently reports as InService.
	HealthyInstances(ctx context.Context, elbName string, candidateInstanceIDs []string) ([]string, error)

	// Deregister removes instanceID from elbName. Matches the
	// reference implementation's unregister(), which tolerates the
	// instance already being absent.
	Deregister(ctx context.Context, elbName, instanceID string) error

	// Register adds instanceID to elbName.
	Register(ctx context.Context, elbName, instanceID string) error
}

// ELB implements LoadBalancer against a classic AWS Elastic Load
// Balancer, matching the ELB API the reference implementation used
// for the same InService check.
type ELB struct {
	client *elasticloadbalancing.Client
}

// New wraps an AWS ELB SDK client.
func New(client *elasticloadbalancing.Client) *ELB {
	return &ELB{client: client}
}

func (e *ELB) HealthyInstances(ctx context.Context, elbName string, candidateInstanceIDs []string) ([]string, error) {
	if len(candidateInstanceIDs) == 0 {
		return nil, nil
	}

	instances := make([]elbtypes.Instance, 0, len(candidateInstanceIDs))
	for _, id := range candidateInstanceIDs {
		instanceID := id
		instances = append(instances, elbtypes.Instance{InstanceId: &instanceID})
	}

	out, err := e.client.DescribeInstanceHealth(ctx, &elasticloadbalancing.DescribeInstanceHealthInput{
		LoadBalancerName: &elbName,
		Instances:        instances,
	})
	if err != nil {
		return nil, fmt.Errorf("describe instance health for %s: %w", elbName, err)
	}

	var healthy []string
	for _, state := range out.InstanceStates {
		if state.State != nil && *state.State == "InService" && state.InstanceId != nil {
			healthy = append(healthy, *state.InstanceId)
		}
	}
	return healthy, nil
}

func (e *ELB) Deregister(ctx context.Context, elbName, instanceID string) error {
	id := instanceID
	_, err := e.client.DeregisterInstancesFromLoadBalancer(ctx, &elasticloadbalancing.DeregisterInstancesFromLoadBalancerInput{
		LoadBalancerName: &elbName,
		Instances:        []elbtypes.Instance{{InstanceId: &id}},
	})
	if err != nil {
		if strings.Contains(err.Error(), "InvalidInstance") {
			return nil
		}
		return fmt.Errorf("deregister %s from %s: %w", instanceID, elbName, err)
	}
	return nil
}

func (e *ELB) Register(ctx context.Context, elbName, instanceID string) error {
	id := instanceID
	_, err := e.client.RegisterInstancesWithLoadBalancer(ctx, &elasticloadbalancing.RegisterInstancesWithLoadBalancerInput{
		LoadBalancerName: &elbName,
		Instances:        []elbtypes.Instance{{InstanceId: &id}},
	})
	if err != nil {
		return fmt.Errorf("register %s with %s: %w", instanceID, elbName, err)
	}
	return nil
}
