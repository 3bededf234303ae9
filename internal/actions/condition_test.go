package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	files    map[string]bool
	dirs     map[string]bool
	commands map[string]bool
	envs     map[string]bool
}

func (p fakeProbe) FileExists(path string) bool      { return p.files[path] }
func (p fakeProbe) DirectoryExists(path string) bool { return p.dirs[path] }
func (p fakeProbe) CommandExists(name string) bool   { return p.commands[name] }
func (p fakeProbe) EnvVarSet(name string) bool       { return p.envs[name] }

func TestEvaluateCondition(t *testing.T) {
	probe := fakeProbe{
		files:    map[string]bool{"/etc/app.conf": true},
		dirs:     map[string]bool{"/srv/data": true},
		commands: map[string]bool{"git": true},
		envs:     map[string]bool{"CI": true},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"file_exists('/etc/app.conf')", true},
		{"file_exists('/missing')", false},
		{"directory_exists('/srv/data')", true},
		{"command_exists('git')", true},
		{"command_exists('cargo')", false},
		{"env_var_set('CI')", true},
		{"not env_var_set('CI')", false},
		{"file_exists('/missing') or command_exists('git')", true},
		{"file_exists('/etc/app.conf') and not command_exists('cargo')", true},
		{"(file_exists('/missing') or false) and true", false},
		{"command_exists(\"git\") && env_var_set(\"CI\")", true},
		{"!command_exists('git') || file_exists('/etc/app.conf')", true},
		{"NOT FALSE AND TRUE", true},
	}
	for _, tc := range cases {
		got, err := EvaluateCondition(tc.expr, probe)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	probe := fakeProbe{}

	for _, expr := range []string{
		"",
		"file_exists(",
		"file_exists('/a') and",
		"unknown_predicate('/a')",
		"file_exists('/a'))",
		"'just a string'",
		"file_exists('/unterminated",
	} {
		_, err := EvaluateCondition(expr, probe)
		assert.Error(t, err, expr)
	}
}
