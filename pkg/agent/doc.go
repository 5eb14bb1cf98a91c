/*
Package agent runs the per-instance, per-service reconcile loop: a
5s health heartbeat, a 15s assignment reconcile, and a long-polling
messaging receive, each a pkg/runner Worker. The assignment reconcile
resolves this instance's two assignment slots to a unit set, converges
it through pkg/unitmanager, and cycles the instance through its
service's load balancer around the convergence so in-flight requests
never reach a host mid-deploy.
*/
package agent
