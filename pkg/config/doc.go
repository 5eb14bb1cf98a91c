/*
Package config loads process configuration from FLOTILLA_* environment
variables via caarlos0/env. cmd/flotilla layers cobra flag overrides
on top, giving flag > env var > default precedence.
*/
package config
