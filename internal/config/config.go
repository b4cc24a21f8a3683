package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"deployer/internal/util"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var printer = util.Default

const (
	ConfigFileName = "deploy.yaml"

	DefaultKeepReleases   = 5
	DefaultCommandTimeout = 10 * time.Minute
	DefaultLogDir         = ".deployer/logs"
	DefaultHistoryPath    = ".deployer/history.db"
)

type Config struct {
	ProjectName string `yaml:"project_name"`
	Repository  string `yaml:"repository"`
	Branch      string `yaml:"branch,omitempty"`
	DeployPath  string `yaml:"deploy_path"`

	// KeepReleases is a pointer so an explicit 0 can be told apart from unset.
	KeepReleases        *int   `yaml:"keep_releases,omitempty"`
	KeepWindow          int    `yaml:"keep_window,omitempty"`
	ReleaseNameAttempts int    `yaml:"release_name_attempts,omitempty"`
	MaxParallel         int    `yaml:"max_parallel,omitempty"`
	CommandTimeout      string `yaml:"command_timeout,omitempty"`
	Timezone            string `yaml:"timezone,omitempty"`
	GitCache            bool   `yaml:"git_cache,omitempty"`
	GitIdentityFile     string `yaml:"git_identity_file,omitempty"`

	SharedDirs  []string `yaml:"shared_dirs,omitempty"`
	SharedFiles []string `yaml:"shared_files,omitempty"`
	Writable    Writable `yaml:"writable,omitempty"`

	Vars  map[string]interface{} `yaml:"vars,omitempty"`
	Hosts []HostConfig           `yaml:"hosts"`
	Tasks map[string]TaskConfig  `yaml:"tasks,omitempty"`
	Flow  []string               `yaml:"flow,omitempty"`

	Notify  Notify  `yaml:"notify,omitempty"`
	History History `yaml:"history,omitempty"`
	Metrics Metrics `yaml:"metrics,omitempty"`
	LogDir  string  `yaml:"log_dir,omitempty"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

type HostConfig struct {
	Name                  string                 `yaml:"name"`
	Hostname              string                 `yaml:"hostname,omitempty"`
	User                  string                 `yaml:"user,omitempty"`
	Port                  int                    `yaml:"port,omitempty"`
	IdentityFile          string                 `yaml:"identity_file,omitempty"`
	Password              string                 `yaml:"password,omitempty"`
	UseAgent              bool                   `yaml:"use_agent,omitempty"`
	KnownHosts            string                 `yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool                   `yaml:"insecure_ignore_host_key,omitempty"`
	Local                 bool                   `yaml:"local,omitempty"`
	DeployPath            string                 `yaml:"deploy_path,omitempty"`
	Stage                 string                 `yaml:"stage,omitempty"`
	Vars                  map[string]interface{} `yaml:"vars,omitempty"`
}

// Address returns host:port for SSH dialing.
func (h HostConfig) Address() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", h.Hostname, port)
}

// StringList accepts either a scalar or a sequence in YAML.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = StringList{node.Value}
		return nil
	}
	var items []string
	if err := node.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

type TaskConfig struct {
	Desc    string            `yaml:"desc,omitempty"`
	Run     StringList        `yaml:"run,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Upload  []Upload          `yaml:"upload,omitempty"`
	Deps    StringList        `yaml:"deps,omitempty"`
	Before  StringList        `yaml:"before,omitempty"`
	After   StringList        `yaml:"after,omitempty"`
	Private bool              `yaml:"private,omitempty"`
	Timeout string            `yaml:"timeout,omitempty"`
	Stages  StringList        `yaml:"stages,omitempty"`
}

type Upload struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
}

type Writable struct {
	Mode     string   `yaml:"mode,omitempty"`
	Dirs     []string `yaml:"dirs,omitempty"`
	UseSudo  bool     `yaml:"use_sudo,omitempty"`
	HTTPUser string   `yaml:"http_user,omitempty"`
}

type Notify struct {
	AMQP AMQP `yaml:"amqp,omitempty"`
}

type AMQP struct {
	URL        string `yaml:"url,omitempty"`
	Exchange   string `yaml:"exchange,omitempty"`
	RoutingKey string `yaml:"routing_key,omitempty"`
}

type History struct {
	Driver string `yaml:"driver,omitempty"` // sqlite (default), postgres or none
	DSN    string `yaml:"dsn,omitempty"`
}

type Metrics struct {
	File string `yaml:"file,omitempty"`
}

// Keep returns the configured keep count, DefaultKeepReleases when unset.
func (c *Config) Keep() int {
	if c.KeepReleases == nil {
		return DefaultKeepReleases
	}
	return *c.KeepReleases
}

// Timeout returns the per-command timeout.
func (c *Config) Timeout() time.Duration {
	if c.CommandTimeout == "" {
		return DefaultCommandTimeout
	}
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil {
		return DefaultCommandTimeout
	}
	return d
}

// Location returns the timezone release names are written in, UTC when
// unset or unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		printer.Printf("⚠️  Unknown timezone %q, using UTC\n", c.Timezone)
		return time.UTC
	}
	return loc
}

// HostDeployPath returns the deploy root for h.
func (c *Config) HostDeployPath(h HostConfig) string {
	if h.DeployPath != "" {
		return h.DeployPath
	}
	return c.DeployPath
}

// SelectHosts returns the hosts whose name or stage is listed, or all hosts
// when names is empty.
func (c *Config) SelectHosts(names []string) ([]HostConfig, error) {
	if len(names) == 0 {
		return c.Hosts, nil
	}
	var out []HostConfig
	for _, n := range names {
		found := false
		for _, h := range c.Hosts {
			if h.Name == n || (h.Stage != "" && h.Stage == n) {
				out = append(out, h)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("no host or stage named %q", n)
		}
	}
	return dedupHosts(out), nil
}

func dedupHosts(hosts []HostConfig) []HostConfig {
	seen := map[string]bool{}
	out := hosts[:0]
	for _, h := range hosts {
		if seen[h.Name] {
			continue
		}
		seen[h.Name] = true
		out = append(out, h)
	}
	return out
}

// ValidateConfig validates the configuration for required fields and file paths
func ValidateConfig(cfg *Config) error {
	var validationErrors []string

	if strings.TrimSpace(cfg.ProjectName) == "" {
		validationErrors = append(validationErrors, "project_name cannot be empty")
	}
	if len(cfg.Hosts) == 0 {
		validationErrors = append(validationErrors, "at least one host must be configured")
	}
	if cfg.KeepReleases != nil && *cfg.KeepReleases < -1 {
		validationErrors = append(validationErrors, "keep_releases must be -1 (keep all) or greater")
	}
	if cfg.KeepWindow < 0 {
		validationErrors = append(validationErrors, "keep_window cannot be negative")
	}
	if cfg.ReleaseNameAttempts < 0 {
		validationErrors = append(validationErrors, "release_name_attempts cannot be negative")
	}
	if cfg.MaxParallel < 0 {
		validationErrors = append(validationErrors, "max_parallel cannot be negative")
	}
	if cfg.CommandTimeout != "" {
		if d, err := time.ParseDuration(cfg.CommandTimeout); err != nil || d < 0 {
			validationErrors = append(validationErrors, fmt.Sprintf("command_timeout %q is not a valid duration", cfg.CommandTimeout))
		}
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("timezone %q is not a known location", cfg.Timezone))
		}
	}
	switch cfg.Writable.Mode {
	case "", "auto", "acl", "chmod_acl", "setfacl", "chmod", "none":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("writable.mode %q must be one of auto, acl, setfacl, chmod, none", cfg.Writable.Mode))
	}
	switch cfg.History.Driver {
	case "", "sqlite", "postgres", "none":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("history.driver %q must be sqlite, postgres or none", cfg.History.Driver))
	}
	if cfg.History.Driver == "postgres" && strings.TrimSpace(cfg.History.DSN) == "" {
		validationErrors = append(validationErrors, "history.dsn is required for the postgres driver")
	}

	names := map[string]bool{}
	for i, h := range cfg.Hosts {
		label := fmt.Sprintf("host %d", i+1)
		if strings.TrimSpace(h.Name) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: name cannot be empty", label))
		} else {
			label = fmt.Sprintf("host %q", h.Name)
			if names[h.Name] {
				validationErrors = append(validationErrors, fmt.Sprintf("%s: duplicate host name", label))
			}
			names[h.Name] = true
		}
		if !h.Local {
			if strings.TrimSpace(h.Hostname) == "" {
				validationErrors = append(validationErrors, fmt.Sprintf("%s: hostname cannot be empty", label))
			}
			if strings.TrimSpace(h.User) == "" {
				validationErrors = append(validationErrors, fmt.Sprintf("%s: user cannot be empty", label))
			}
		}
		if h.Port < 0 || h.Port > 65535 {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: port must be a valid number between 1-65535", label))
		}
		if h.IdentityFile != "" {
			if _, err := os.Stat(h.IdentityFile); os.IsNotExist(err) {
				validationErrors = append(validationErrors, fmt.Sprintf("%s: identity file does not exist: %s", label, h.IdentityFile))
			}
		}
		if strings.TrimSpace(cfg.HostDeployPath(h)) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: deploy_path is not set globally or for the host", label))
		}
	}

	taskNames := make([]string, 0, len(cfg.Tasks))
	for name := range cfg.Tasks {
		taskNames = append(taskNames, name)
	}
	sort.Strings(taskNames)
	for _, name := range taskNames {
		t := cfg.Tasks[name]
		if len(t.Run) == 0 && len(t.Upload) == 0 {
			validationErrors = append(validationErrors, fmt.Sprintf("task %q: needs run commands or uploads", name))
		}
		if t.Timeout != "" {
			if _, err := time.ParseDuration(t.Timeout); err != nil {
				validationErrors = append(validationErrors, fmt.Sprintf("task %q: timeout %q is not a valid duration", name, t.Timeout))
			}
		}
		for j, u := range t.Upload {
			if u.Src == "" || u.Dst == "" {
				validationErrors = append(validationErrors, fmt.Sprintf("task %q: upload %d needs src and dst", name, j+1))
			}
		}
	}
	for i, step := range cfg.Flow {
		if strings.TrimSpace(step) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("flow step %d cannot be empty", i+1))
		}
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(validationErrors, "\n"))
	}
	return nil
}

// ConfigExists reports whether a config file is present at path.
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// Load reads, interpolates and validates the config at path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigFileName
	}
	if !ConfigExists(path) {
		return nil, fmt.Errorf("%s not found. Please run 'deployer init' first", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	// Load .env if exists (same dir as config file)
	envMap, _ := loadDotEnvIfExists(filepath.Dir(path))
	rendered := interpolateEnv(string(data), envMap)

	var cfg Config
	if err := yaml.Unmarshal([]byte(rendered), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}
	cfg.Path = path

	for i := range cfg.Hosts {
		if cfg.Hosts[i].IdentityFile == "" {
			continue
		}
		p, err := ExpandHome(cfg.Hosts[i].IdentityFile)
		if err != nil {
			return nil, err
		}
		cfg.Hosts[i].IdentityFile = p
		checkKeyPermissions(p)
	}
	if cfg.GitIdentityFile != "" {
		if cfg.GitIdentityFile, err = ExpandHome(cfg.GitIdentityFile); err != nil {
			return nil, err
		}
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %v", err)
	}
	return filepath.Join(homeDir, p[1:]), nil
}

// checkKeyPermissions warns when a private key is readable by others; ssh
// would refuse it.
func checkKeyPermissions(keyPath string) {
	info, err := os.Stat(keyPath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		printer.Printf("⚠️  SSH key %s has permissions %o; 600 is recommended\n", keyPath, perm)
	}
}

// loadDotEnvIfExists attempts to load a .env file from the directory of config
// and returns a map of key->value. If no .env exists or parsing fails, an empty map is returned.
func loadDotEnvIfExists(dir string) (map[string]string, error) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return map[string]string{}, nil
	}

	m, err := godotenv.Read(envPath)
	if err != nil {
		printer.Printf("⚠️  Failed to parse .env at %s: %v\n", envPath, err)
		return map[string]string{}, err
	}
	return m, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} occurrences in the input text. Precedence: OS env > envMap.
// Missing variables are replaced with empty string and a warning is emitted.
// Bare $VAR is left alone so task commands can use it on the remote shell.
func interpolateEnv(input string, envMap map[string]string) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if v, ok := envMap[name]; ok {
			return v
		}
		printer.Printf("⚠️  Environment variable %s not set; using empty string\n", name)
		return ""
	})
}
