/*
Package publisher is the write path onto pkg/storage: revision
publish/retire, weight adjustment, service/region/user configuration,
and the highlander rollout wait. One Publisher per region, grounded on
original_source/client/db.py::FlotillaClientDynamo and
original_source/cli/revision.py::wait_for_deployment.
*/
package publisher
