// Package cli implements the apiflow command line tool.
//
// # Commands
//
//	apiflow run FLOW_FILE    run a declared flow once per initial parameter set
//	apiflow validate FLOW_FILE    check a flow file against its schema and build it
//
// A run prints one summary row per parameter set, or streams every accumulator
// snapshot as a JSON line with --json. Snapshots can also be published to NATS,
// final results exported to Azure Blob Storage, metrics served for Prometheus
// and spans exported over OTLP. Run failures are reported to Sentry when
// SENTRY_DSN is set.
//
// Data goes to stdout, messages to stderr:
//
//	apiflow run xkcd.yaml --range id=2630:2650 --json | jq .
package cli
