// Package collector observes live infrastructure and normalizes it into the
// snapshot the drift detector compares against the plan.
//
// Each source covers one system and declares that in its snapshot, so the
// detector only reports missing resources for systems that were observed:
//
//   - TerraformStateCollector reads "terraform show -json" output, from a file
//     or by running terraform. It covers Terraform and plan-level resources.
//   - KubernetesCollector lists deployments, autoscalers and cron jobs through
//     the cluster API.
//   - KubectlCollector parses the same objects from kubectl JSON output.
//   - FileCollector replays a recorded snapshot.
//
// Composite runs sources concurrently and merges the results. A source that
// fails fails the whole collection.
package collector
