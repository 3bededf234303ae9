package execx

import (
	"context"
	"strings"
	"sync"
)

// Fake is a Runner for tests. It records every invocation and answers from
// scripted responses keyed by command prefix.
type Fake struct {
	mu        sync.Mutex
	Calls     []Cmd
	Responses map[string]FakeResponse
	// MissingBinaries makes LookPath report false for listed names.
	MissingBinaries map[string]bool
}

// FakeResponse scripts the outcome of a matching command.
type FakeResponse struct {
	Result *Result
	Err    error
}

// NewFake returns an empty Fake that succeeds for every command.
func NewFake() *Fake {
	return &Fake{Responses: map[string]FakeResponse{}}
}

// On scripts a response for commands whose rendered form starts with prefix.
func (f *Fake) On(prefix string, res *Result, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[prefix] = FakeResponse{Result: res, Err: err}
	return f
}

// Run records the call and returns the scripted response, defaulting to an
// empty success.
func (f *Fake) Run(_ context.Context, cmd Cmd) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, cmd)

	rendered := displayName(cmd)
	for prefix, resp := range f.Responses {
		if strings.HasPrefix(rendered, prefix) {
			if resp.Result == nil {
				return &Result{}, resp.Err
			}
			return resp.Result, resp.Err
		}
	}
	return &Result{}, nil
}

// LookPath honors MissingBinaries, otherwise reports true.
func (f *Fake) LookPath(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.MissingBinaries[name]
}

// CommandsRun renders every recorded call for assertions.
func (f *Fake) CommandsRun() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = displayName(c)
	}
	return out
}

var _ Runner = (*Fake)(nil)
