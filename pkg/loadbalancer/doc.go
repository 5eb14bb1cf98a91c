/*
Package loadbalancer cross-checks instance health against a service's
load balancer. The Doctor uses HealthyInstances to decide whether a
deploy failure reported by one instance is isolated or shared by every
instance running the same revision.
*/
package loadbalancer
