// Package config loads the autoinfra daemon configuration.
//
// # Overview
//
// The daemon reads one YAML file, autoinfra.yaml by default, that names the
// plan document, the audit store, the live-state collectors, the mutation
// agent and the loop and executor limits. Every field has a default, so a
// file only carries what differs:
//
//	plan:
//	  path: plan.yaml
//	  watch: true
//	store:
//	  path: autoinfra.db
//	collectors:
//	  terraform:
//	    workDir: infra/
//	  kubernetes:
//	    namespace: prod
//	agent:
//	  kind: command
//	  command:
//	    binary: cline
//	executor:
//	  maxParallel: 4
//	  rateLimit: 0.5
//	policy:
//	  dirs: [policies/]
//	  watch: true
//
// # Loading
//
// Load expands ${VAR} references before decoding, so secrets such as SSH
// passwords can stay out of the file. Unknown keys are errors. Relative paths
// are resolved against the directory holding the file.
//
// All failures are engine config errors: NOT_FOUND for a missing file,
// SCHEMA_INVALID for malformed YAML and VALIDATION_ERROR for out-of-range values.
package config
