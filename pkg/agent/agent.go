package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// Request is the document handed to script, WASM and remote agents.
type Request struct {
	Issue  engine.DriftIssue `json:"issue"`
	Plan   *engine.Plan      `json:"plan"`
	Prompt string            `json:"prompt"`
}

// NewRequest builds the request for one issue.
func NewRequest(issue engine.DriftIssue, plan *engine.Plan) Request {
	return Request{Issue: issue, Plan: plan, Prompt: BuildPrompt(issue, plan)}
}

func encodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent, "failed to encode agent request", err)
	}
	return data, nil
}

// Response is what an agent reports back. An agent that could not apply the
// fix sets Error; Retryable asks the executor to try again.
type Response struct {
	engine.Mutation
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ParseResponse reads agent output. The last line that decodes as a JSON
// object is the response; output without one is taken as a plain-text
// confirmation.
func ParseResponse(out []byte) (*engine.Mutation, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		return resp.result()
	}

	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent, "agent produced no output", nil)
	}
	return &engine.Mutation{Message: lastLine(msg)}, nil
}

func (r Response) result() (*engine.Mutation, error) {
	if r.Error == "" {
		m := r.Mutation
		return &m, nil
	}
	class := engine.ErrorClassPermanent
	if r.Retryable {
		class = engine.ErrorClassTransient
	}
	return nil, engine.NewRemediationFailure(class, "agent reported failure", fmt.Errorf("%s", r.Error))
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// exitTempFail is the sysexits EX_TEMPFAIL status. Agents exit with it to ask
// for a retry.
const exitTempFail = 75

// exitError classifies a failed agent process by exit status.
func exitError(name string, code int, stderr string, err error) *engine.EngineError {
	class := engine.ErrorClassPermanent
	if code == exitTempFail {
		class = engine.ErrorClassTransient
	}
	msg := fmt.Sprintf("%s exited with status %d", name, code)
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	}
	return engine.NewRemediationFailure(class, msg, err).WithDetail("exitCode", code)
}
