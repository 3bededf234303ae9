// Package proxy manages the Traefik dynamic configuration file that
// routes workspace subdomains to their local code-server ports. The file
// is a single shared resource; every mutation happens under a process-wide
// mutex and lands via an atomic rename so Traefik never reads a torn
// config.
package proxy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/atolyecloud/atolye/internal/models"
)

const (
	routerPriority = 100

	middlewareForwardAuth   = "forward-auth"
	middlewareSecureHeaders = "secure-headers"
	middlewareRateLimit     = "rate-limit"
)

var subdomainSanitizeRe = regexp.MustCompile(`[^a-z0-9-]`)

// DynamicConfig mirrors Traefik's dynamic configuration file. Only the
// http section is managed; unknown top-level keys would be dropped on
// rewrite, so the file is dedicated to workspace routing.
type DynamicConfig struct {
	HTTP HTTPConfig `yaml:"http"`
}

type HTTPConfig struct {
	Routers     map[string]Router     `yaml:"routers,omitempty"`
	Services    map[string]Service    `yaml:"services,omitempty"`
	Middlewares map[string]Middleware `yaml:"middlewares,omitempty"`
}

type Router struct {
	Rule        string     `yaml:"rule"`
	Service     string     `yaml:"service"`
	EntryPoints []string   `yaml:"entryPoints,omitempty"`
	Middlewares []string   `yaml:"middlewares,omitempty"`
	Priority    int        `yaml:"priority,omitempty"`
	TLS         *RouterTLS `yaml:"tls,omitempty"`
}

type RouterTLS struct {
	CertResolver string `yaml:"certResolver,omitempty"`
}

type Service struct {
	LoadBalancer *LoadBalancer `yaml:"loadBalancer,omitempty"`
}

type LoadBalancer struct {
	Servers []Server `yaml:"servers"`
}

type Server struct {
	URL string `yaml:"url"`
}

type Middleware struct {
	Headers     *HeadersMiddleware     `yaml:"headers,omitempty"`
	ForwardAuth *ForwardAuthMiddleware `yaml:"forwardAuth,omitempty"`
	RateLimit   *RateLimitMiddleware   `yaml:"rateLimit,omitempty"`
}

type HeadersMiddleware struct {
	CustomRequestHeaders  map[string]string `yaml:"customRequestHeaders,omitempty"`
	CustomResponseHeaders map[string]string `yaml:"customResponseHeaders,omitempty"`
	StsSeconds            int               `yaml:"stsSeconds,omitempty"`
	BrowserXSSFilter      bool              `yaml:"browserXssFilter,omitempty"`
	ContentTypeNosniff    bool              `yaml:"contentTypeNosniff,omitempty"`
	FrameDeny             bool              `yaml:"frameDeny,omitempty"`
}

type ForwardAuthMiddleware struct {
	Address             string   `yaml:"address"`
	TrustForwardHeader  bool     `yaml:"trustForwardHeader,omitempty"`
	AuthResponseHeaders []string `yaml:"authResponseHeaders,omitempty"`
}

type RateLimitMiddleware struct {
	Average int `yaml:"average"`
	Burst   int `yaml:"burst"`
}

// Manager owns the dynamic configuration file.
type Manager struct {
	path          string
	domain        string
	entryPoint    string
	certResolver  string
	authVerifyURL string
	logger        *slog.Logger

	mu sync.Mutex
}

// Options configure a Manager.
type Options struct {
	// Path is the dynamic configuration file Traefik watches.
	Path string
	// Domain is the apex under which workspace subdomains live.
	Domain string
	// EntryPoint is the Traefik entry point, normally websecure.
	EntryPoint string
	// CertResolver names the ACME resolver; empty disables TLS config.
	CertResolver string
	// AuthVerifyURL is the control plane's forward-auth endpoint.
	AuthVerifyURL string
}

// NewManager builds a manager for the given dynamic config file.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	entryPoint := opts.EntryPoint
	if entryPoint == "" {
		entryPoint = "websecure"
	}
	return &Manager{
		path:          opts.Path,
		domain:        opts.Domain,
		entryPoint:    entryPoint,
		certResolver:  opts.CertResolver,
		authVerifyURL: opts.AuthVerifyURL,
		logger:        logger,
	}
}

// SanitizeSubdomain lowercases and strips characters that cannot appear
// in a router name or DNS label.
func SanitizeSubdomain(subdomain string) string {
	s := strings.ToLower(subdomain)
	s = subdomainSanitizeRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func routerName(subdomain string) string {
	return "workspace-" + SanitizeSubdomain(subdomain)
}

// RegisterWorkspace adds (or replaces) the router, service, and headers
// middleware for a workspace and ensures the shared middlewares exist.
func (m *Manager) RegisterWorkspace(ws *models.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return err
	}

	name := routerName(ws.Subdomain)
	host := fmt.Sprintf("%s.%s", SanitizeSubdomain(ws.Subdomain), m.domain)
	headersName := name + "-headers"

	m.ensureShared(cfg)

	cfg.HTTP.Middlewares[headersName] = Middleware{
		Headers: &HeadersMiddleware{
			CustomRequestHeaders: map[string]string{
				// Must be set before the forward-auth subrequest so the
				// verifier knows which workspace is being accessed.
				"X-Workspace-Host": host,
			},
		},
	}

	router := Router{
		Rule:        fmt.Sprintf("Host(`%s`)", host),
		Service:     name,
		EntryPoints: []string{m.entryPoint},
		// The workspace-host header middleware must run first.
		Middlewares: []string{headersName, middlewareForwardAuth, middlewareSecureHeaders, middlewareRateLimit},
		// Outrank any catch-all router.
		Priority: routerPriority,
	}
	if m.certResolver != "" {
		router.TLS = &RouterTLS{CertResolver: m.certResolver}
	}
	cfg.HTTP.Routers[name] = router

	cfg.HTTP.Services[name] = Service{
		LoadBalancer: &LoadBalancer{
			Servers: []Server{{URL: fmt.Sprintf("http://127.0.0.1:%d", ws.Port)}},
		},
	}

	if err := m.write(cfg); err != nil {
		return err
	}
	m.logger.Info("proxy route registered", "router", name, "host", host, "port", ws.Port)
	return nil
}

// DeregisterWorkspace removes a workspace's router, service, and headers
// middleware. Removing a route that does not exist is not an error.
func (m *Manager) DeregisterWorkspace(subdomain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return err
	}

	name := routerName(subdomain)
	delete(cfg.HTTP.Routers, name)
	delete(cfg.HTTP.Services, name)
	delete(cfg.HTTP.Middlewares, name+"-headers")

	if err := m.write(cfg); err != nil {
		return err
	}
	m.logger.Info("proxy route removed", "router", name)
	return nil
}

// HasRoute reports whether a router exists for the subdomain.
func (m *Manager) HasRoute(subdomain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return false, err
	}
	_, ok := cfg.HTTP.Routers[routerName(subdomain)]
	return ok, nil
}

// ensureShared installs the middlewares every workspace router chains:
// forward-auth against the control plane, hardened response headers, and
// a per-client rate limit.
func (m *Manager) ensureShared(cfg *DynamicConfig) {
	if _, ok := cfg.HTTP.Middlewares[middlewareForwardAuth]; !ok {
		cfg.HTTP.Middlewares[middlewareForwardAuth] = Middleware{
			ForwardAuth: &ForwardAuthMiddleware{
				Address:            m.authVerifyURL,
				TrustForwardHeader: true,
			},
		}
	}
	if _, ok := cfg.HTTP.Middlewares[middlewareSecureHeaders]; !ok {
		cfg.HTTP.Middlewares[middlewareSecureHeaders] = Middleware{
			Headers: &HeadersMiddleware{
				StsSeconds:         31536000,
				BrowserXSSFilter:   true,
				ContentTypeNosniff: true,
			},
		}
	}
	if _, ok := cfg.HTTP.Middlewares[middlewareRateLimit]; !ok {
		cfg.HTTP.Middlewares[middlewareRateLimit] = Middleware{
			RateLimit: &RateLimitMiddleware{Average: 100, Burst: 200},
		}
	}
}

// load reads the current file, tolerating a missing file and missing
// sections.
func (m *Manager) load() (*DynamicConfig, error) {
	cfg := &DynamicConfig{}
	data, err := os.ReadFile(m.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read proxy config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse proxy config: %w", err)
		}
	}
	if cfg.HTTP.Routers == nil {
		cfg.HTTP.Routers = map[string]Router{}
	}
	if cfg.HTTP.Services == nil {
		cfg.HTTP.Services = map[string]Service{}
	}
	if cfg.HTTP.Middlewares == nil {
		cfg.HTTP.Middlewares = map[string]Middleware{}
	}
	return cfg, nil
}

// write marshals the config and atomically replaces the file.
func (m *Manager) write(cfg *DynamicConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal proxy config: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".traefik-*.yml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace proxy config: %w", err)
	}
	return nil
}
