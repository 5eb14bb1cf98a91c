/*
Package provisioner surfaces the narrow slice of cloud-provisioning
state the scheduler needs — a region's availability zones and
instance-type defaults — without owning CloudFormation stack
management or instance lifecycle, both out of scope.

StoreProvisioner, the default implementation, is a pass-through onto
the already-stored RegionParams row; actual AZ discovery against a
cloud API is left to an operator-supplied Provisioner.
*/
package provisioner
