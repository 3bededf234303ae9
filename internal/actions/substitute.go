package actions

import (
	"strconv"
	"strings"
)

// SubstituteParams resolves workspace placeholders in every string value
// of the parameter map, recursing into nested maps and lists.
func SubstituteParams(params Params, wc Context) Params {
	out := make(Params, len(params))
	for k, v := range params {
		out[k] = substituteValue(v, wc)
	}
	return out
}

func substituteValue(v any, wc Context) any {
	switch t := v.(type) {
	case string:
		return SubstituteString(t, wc)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = substituteValue(e, wc)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = substituteValue(e, wc)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = SubstituteString(e, wc)
		}
		return out
	default:
		return v
	}
}

// SubstituteString resolves the fixed placeholder set in one string.
// `~/` at the start of a value and the shell forms ${HOME} and ${USER}
// resolve against the workspace account, not the control plane's own
// environment.
func SubstituteString(s string, wc Context) string {
	if strings.HasPrefix(s, "~/") {
		s = wc.HomeDirectory + s[1:]
	}
	r := strings.NewReplacer(
		"{workspace_id}", strconv.FormatInt(wc.WorkspaceID, 10),
		"{workspace_name}", wc.WorkspaceName,
		"{workspace_linux_username}", wc.LinuxUsername,
		"{workspace_subdomain}", wc.Subdomain,
		"{user_email}", wc.UserEmail,
		"{user_id}", strconv.FormatInt(wc.UserID, 10),
		"{company_name}", wc.CompanyName,
		"{home_directory}", wc.HomeDirectory,
		"{port}", strconv.Itoa(wc.Port),
		"${HOME}", wc.HomeDirectory,
		"${USER}", wc.LinuxUsername,
	)
	return r.Replace(s)
}
