// Package plan loads, validates and stores the plan document, the declarative
// desired state that reconciliation cycles compare live infrastructure against.
//
// # Formats
//
// A plan is written as JSON, YAML or CUE; the file extension picks the codec.
// Every format is converted to canonical JSON before validation, so the same
// rules apply regardless of how the plan was authored.
//
// # Validation
//
// Validation runs in layers and reports every violation it finds:
//
//   - schema: the document is unified with a built-in CUE definition. Unknown
//     fields, wrong types and out-of-range values are rejected here.
//   - struct: validator tags on the engine types.
//   - semantic: invariants spanning fields, such as unique service names,
//     declared queues and strictly increasing cost thresholds.
//   - version: the document's semantic version must have a supported major.
//
// A failed validation returns a ConfigError with code SCHEMA_INVALID; use
// Violations to read the individual findings.
//
// # Store
//
// Store serializes access to the plan file. Reconciliation cycles hold a read
// lock on the plan for their whole duration through Acquire. Update and Set
// take the write lock, validate the new plan and replace the file atomically,
// so an update never lands in the middle of a cycle. Watch reloads the plan on
// external edits and keeps the previous plan when an edit is invalid.
//
// Example:
//
//	store, err := plan.NewStore("plan.yaml", logger)
//	if err != nil {
//		return err
//	}
//	if err := store.Load(ctx); err != nil {
//		return err
//	}
//	_, err = store.Set(ctx, "services.api.image", "ghcr.io/acme/api:1.3.0")
package plan
