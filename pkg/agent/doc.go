// Package agent implements the code-mutation agents the remediation executor
// calls to fix one drift issue at a time.
//
// Every agent edits generated infrastructure artifacts, never the plan. Four
// implementations share one request/response protocol:
//
//   - CommandAgent runs a local CLI such as "cline run --non-interactive --prompt"
//     with the prompt as its last argument and the request on stdin.
//   - ScriptAgent calls apply(issue, plan) in a Starlark script that edits files
//     through confined read_file and write_file builtins.
//   - WasmAgent runs a WASI command module with the request on stdin.
//   - RemoteAgent stages the prompt over SFTP and runs a command over SSH.
//
// An agent answers with a JSON line {"message": ..., "changed": [...]} or plain
// text. {"error": ..., "retryable": true} or exit status 75 asks for a retry;
// any other failure is permanent.
package agent
