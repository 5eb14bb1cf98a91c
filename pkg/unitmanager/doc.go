/*
Package unitmanager owns every flotilla-prefixed systemd unit and
environment file on an instance's disk.

Systemd.Converge reconciles the instance to a desired unit set: units
no longer wanted are stopped and removed from disk; new units get
their unit and environment files written — never overwritten, since an
existing file means a previous reconcile already wrote it — with
intra-revision dependency lines (Before=, After=, BindsTo=, Wants=,
Requires=) rewritten from a unit's short name to its deployed full
name, then started if not already active or activating.
*/
package unitmanager
