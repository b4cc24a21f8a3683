package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ProjectName: "app",
		DeployPath:  "/var/www/app",
		Hosts: []HostConfig{
			{Name: "web1", Hostname: "10.0.0.1", User: "deploy", Stage: "production"},
			{Name: "web2", Hostname: "10.0.0.2", User: "deploy", Stage: "production"},
			{Name: "stage", Hostname: "10.0.1.1", User: "deploy", Stage: "staging"},
		},
	}
}

func TestValidateConfigValid(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateConfigCollectsAllProblems(t *testing.T) {
	keep := -2
	cfg := validConfig()
	cfg.ProjectName = " "
	cfg.KeepReleases = &keep
	cfg.CommandTimeout = "soon"
	cfg.Writable.Mode = "chown"
	cfg.Hosts[0].Port = 70000
	cfg.Hosts[1].Name = "web1"
	cfg.Hosts[2].User = ""
	cfg.Tasks = map[string]TaskConfig{"empty": {Desc: "nothing to do"}}

	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	for _, want := range []string{
		"project_name cannot be empty",
		"keep_releases must be -1",
		`command_timeout "soon"`,
		`writable.mode "chown"`,
		`host "web1": port must be`,
		`host "web1": duplicate host name`,
		`host "stage": user cannot be empty`,
		`task "empty": needs run commands or uploads`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in:\n%v", want, err)
		}
	}
}

func TestValidateConfigLocalHostNeedsNoAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Hosts = []HostConfig{{Name: "local", Local: true}}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	cfg.DeployPath = ""
	if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "deploy_path") {
		t.Fatalf("expected deploy_path error, got %v", err)
	}
}

func TestValidateConfigPostgresNeedsDSN(t *testing.T) {
	cfg := validConfig()
	cfg.History.Driver = "postgres"
	if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "history.dsn") {
		t.Fatalf("expected history.dsn error, got %v", err)
	}
}

func TestKeepDefaults(t *testing.T) {
	cfg := validConfig()
	if cfg.Keep() != DefaultKeepReleases {
		t.Fatalf("Keep() = %d", cfg.Keep())
	}
	zero := 0
	cfg.KeepReleases = &zero
	if cfg.Keep() != 0 {
		t.Fatalf("explicit 0 should be kept, got %d", cfg.Keep())
	}
	if cfg.Timeout() != DefaultCommandTimeout {
		t.Fatalf("Timeout() = %v", cfg.Timeout())
	}
	cfg.CommandTimeout = "90s"
	if cfg.Timeout() != 90*time.Second {
		t.Fatalf("Timeout() = %v", cfg.Timeout())
	}
}

func TestSelectHosts(t *testing.T) {
	cfg := validConfig()
	all, _ := cfg.SelectHosts(nil)
	if len(all) != 3 {
		t.Fatalf("expected all hosts, got %d", len(all))
	}
	prod, err := cfg.SelectHosts([]string{"production", "web1"})
	if err != nil {
		t.Fatalf("SelectHosts failed: %v", err)
	}
	if len(prod) != 2 || prod[0].Name != "web1" || prod[1].Name != "web2" {
		t.Fatalf("unexpected selection %+v", prod)
	}
	if _, err := cfg.SelectHosts([]string{"qa"}); err == nil {
		t.Fatalf("expected error for unknown host")
	}
}

func TestHostAddressAndDeployPath(t *testing.T) {
	cfg := validConfig()
	h := cfg.Hosts[0]
	if h.Address() != "10.0.0.1:22" {
		t.Fatalf("Address() = %s", h.Address())
	}
	h.Port = 2222
	h.DeployPath = "/srv/app"
	if h.Address() != "10.0.0.1:2222" || cfg.HostDeployPath(h) != "/srv/app" {
		t.Fatalf("unexpected %s %s", h.Address(), cfg.HostDeployPath(h))
	}
}

func TestLoadInterpolatesEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WEB_HOST=10.1.1.1\nDEPLOY_USER=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEPLOY_USER", "from-os")
	yml := `project_name: app
deploy_path: /var/www/app
keep_releases: 0
hosts:
  - name: web1
    hostname: ${WEB_HOST}
    user: ${DEPLOY_USER}
tasks:
  notify:
    run:
      - echo $HOME
      - echo {{release_path}}
    after: deploy
`
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	h := cfg.Hosts[0]
	if h.Hostname != "10.1.1.1" || h.User != "from-os" {
		t.Fatalf("unexpected host %+v", h)
	}
	if cfg.Keep() != 0 {
		t.Fatalf("keep_releases: 0 should survive, got %d", cfg.Keep())
	}
	run := cfg.Tasks["notify"].Run
	if len(run) != 2 || run[0] != "echo $HOME" {
		t.Fatalf("bare $VAR must be left alone, got %v", run)
	}
	if after := cfg.Tasks["notify"].After; len(after) != 1 || after[0] != "deploy" {
		t.Fatalf("scalar after should decode to a list, got %v", after)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	if err == nil || !strings.Contains(err.Error(), "deployer init") {
		t.Fatalf("expected hint to run init, got %v", err)
	}
}
