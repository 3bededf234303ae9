package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

func parseFileMode(params Params, field, def string) (os.FileMode, error) {
	raw := params.String(field, def)
	n, err := strconv.ParseUint(strings.TrimPrefix(raw, "0o"), 8, 32)
	if err != nil {
		return 0, invalidParam(field, fmt.Sprintf("%q is not an octal mode", raw))
	}
	return os.FileMode(n), nil
}

// CreateDirectory creates a directory in the workspace home with a given
// mode.
type CreateDirectory struct {
	wc Context
}

func (h *CreateDirectory) Meta() Metadata {
	return Metadata{
		Type:        TypeCreateDirectory,
		DisplayName: "Create Directory",
		Category:    "filesystem",
		Description: "Creates a directory with the given mode.",
		RequiredParameters: []ParameterSpec{
			{Name: "path", Type: "string", Description: "Directory to create"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "mode", Type: "string", Description: "Octal permission bits", Default: "0755"},
			{Name: "parents", Type: "bool", Description: "Create missing parents", Default: true},
			{Name: "exist_ok", Type: "bool", Description: "Succeed when the directory already exists", Default: true},
		},
	}
}

func (h *CreateDirectory) Validate(params Params) error {
	if _, err := requireString(params, "path"); err != nil {
		return err
	}
	_, err := parseFileMode(params, "mode", "0755")
	return err
}

func (h *CreateDirectory) Execute(_ context.Context, params Params) (*Result, error) {
	path := params.String("path", "")
	mode, err := parseFileMode(params, "mode", "0755")
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("%s exists and is not a directory", path)
		}
		if !params.Bool("exist_ok", true) {
			return nil, fmt.Errorf("directory %s already exists", path)
		}
		return NewResult("Directory already present").
			Set("path", path).Set("already_existed", true), nil
	}

	if params.Bool("parents", true) {
		err = os.MkdirAll(path, mode)
	} else {
		err = os.Mkdir(path, mode)
	}
	if err != nil {
		return nil, err
	}
	// MkdirAll applies umask; enforce the requested bits.
	if err := os.Chmod(path, mode); err != nil {
		return nil, err
	}
	return NewResult("Directory created").
		Set("path", path).Set("already_existed", false), nil
}

// Rollback removes the directory only when this action created it and it
// is still empty.
func (h *CreateDirectory) Rollback(_ context.Context, params Params, result *Result) error {
	if result != nil {
		if pre, ok := result.Data["already_existed"].(bool); ok && pre {
			return nil
		}
	}
	path := params.String("path", "")
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(path)
}

// WriteConfigurationFile writes text or JSON content to a path, backing up
// any prior file so rollback can restore it.
type WriteConfigurationFile struct {
	wc Context
}

func (h *WriteConfigurationFile) Meta() Metadata {
	return Metadata{
		Type:        TypeWriteConfigurationFile,
		DisplayName: "Write Configuration File",
		Category:    "filesystem",
		Description: "Writes a configuration file, preserving any prior version as a backup.",
		RequiredParameters: []ParameterSpec{
			{Name: "path", Type: "string", Description: "File to write"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "content", Type: "string", Description: "Literal file content"},
			{Name: "content_json", Type: "object", Description: "Object rendered as indented JSON"},
			{Name: "mode", Type: "string", Description: "Octal permission bits", Default: "0644"},
			{Name: "backup", Type: "bool", Description: "Copy an existing file to <path>.backup first", Default: true},
		},
	}
}

func (h *WriteConfigurationFile) Validate(params Params) error {
	if _, err := requireString(params, "path"); err != nil {
		return err
	}
	if !params.Has("content") && !params.Has("content_json") {
		return invalidParam("content", "either content or content_json is required")
	}
	_, err := parseFileMode(params, "mode", "0644")
	return err
}

func (h *WriteConfigurationFile) render(params Params) ([]byte, error) {
	if params.Has("content_json") {
		b, err := json.MarshalIndent(params["content_json"], "", "  ")
		if err != nil {
			return nil, invalidParam("content_json", err.Error())
		}
		return append(b, '\n'), nil
	}
	return []byte(params.String("content", "")), nil
}

func (h *WriteConfigurationFile) Execute(_ context.Context, params Params) (*Result, error) {
	path := params.String("path", "")
	mode, err := parseFileMode(params, "mode", "0644")
	if err != nil {
		return nil, err
	}
	content, err := h.render(params)
	if err != nil {
		return nil, err
	}

	result := NewResult("Configuration file written").Set("path", path)
	if _, err := os.Stat(path); err == nil {
		result.Set("existed", true)
		if params.Bool("backup", true) {
			backup := path + ".backup"
			if err := copyFile(path, backup); err != nil {
				return nil, fmt.Errorf("backup %s: %w", path, err)
			}
			result.Set("backup_path", backup)
		}
	} else {
		result.Set("existed", false)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *WriteConfigurationFile) Rollback(_ context.Context, params Params, result *Result) error {
	path := params.String("path", "")
	if result != nil {
		if backup, ok := result.Data["backup_path"].(string); ok && backup != "" {
			if err := copyFile(backup, path); err != nil {
				return err
			}
			return os.Remove(backup)
		}
		if existed, ok := result.Data["existed"].(bool); ok && existed {
			// Prior file was overwritten without a backup; nothing to restore.
			return nil
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetEnvironmentVariables appends export lines to the workspace user's
// shell configuration file.
type SetEnvironmentVariables struct {
	wc Context
}

func (h *SetEnvironmentVariables) Meta() Metadata {
	return Metadata{
		Type:        TypeSetEnvironmentVariables,
		DisplayName: "Set Environment Variables",
		Category:    "filesystem",
		Description: "Appends environment variable exports to the shell configuration.",
		RequiredParameters: []ParameterSpec{
			{Name: "variables", Type: "object", Description: "Name to value map"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "shell_config", Type: "string", Description: "Shell config file to append to", Default: "~/.bashrc"},
			{Name: "export", Type: "bool", Description: "Prefix assignments with export", Default: true},
		},
	}
}

func (h *SetEnvironmentVariables) variables(params Params) map[string]string {
	raw, _ := params["variables"].(map[string]any)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func (h *SetEnvironmentVariables) Validate(params Params) error {
	if len(h.variables(params)) == 0 {
		return invalidParam("variables", "at least one variable is required")
	}
	for name := range h.variables(params) {
		if strings.ContainsAny(name, " \t\n=\"'") {
			return invalidParam("variables", fmt.Sprintf("invalid variable name %q", name))
		}
	}
	return nil
}

func (h *SetEnvironmentVariables) configPath(params Params) string {
	cfg := params.String("shell_config", "~/.bashrc")
	if strings.HasPrefix(cfg, "~/") {
		cfg = filepath.Join(h.wc.HomeDirectory, cfg[2:])
	}
	return cfg
}

func (h *SetEnvironmentVariables) Execute(_ context.Context, params Params) (*Result, error) {
	cfg := h.configPath(params)
	vars := h.variables(params)

	result := NewResult(fmt.Sprintf("Exported %d variables", len(vars))).Set("shell_config", cfg)
	if _, err := os.Stat(cfg); err == nil {
		backup := cfg + ".backup"
		if err := copyFile(cfg, backup); err != nil {
			return nil, fmt.Errorf("backup %s: %w", cfg, err)
		}
		result.Set("backup_path", backup)
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("\n# workspace environment\n")
	prefix := ""
	if params.Bool("export", true) {
		prefix = "export "
	}
	for _, name := range names {
		fmt.Fprintf(&b, "%s%s=%q\n", prefix, name, vars[name])
	}

	f, err := os.OpenFile(cfg, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *SetEnvironmentVariables) Rollback(_ context.Context, params Params, result *Result) error {
	cfg := h.configPath(params)
	if result != nil {
		if backup, ok := result.Data["backup_path"].(string); ok && backup != "" {
			if err := copyFile(backup, cfg); err != nil {
				return err
			}
			return os.Remove(backup)
		}
	}
	if err := os.Remove(cfg); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
