/*
Package doctor diagnoses deploy failures reported by agents and
finalizes canary rollouts.

FailedRevision distinguishes an instance-local fault from a
revision-wide one: if sibling instances are stably running the same
revision and at least one is reported InService by the service's load
balancer, the reporting instance alone is broken; otherwise the
revision's weight is negated, quarantining it fleet-wide. The same
sibling-and-load-balancer check backs IsHealthyRevision, which the
publisher's highlander rollout polls before calling MakeOnlyRevision to
retire every other revision.
*/
package doctor
