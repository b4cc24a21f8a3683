package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"deployer/internal/config"
	"deployer/internal/util"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a template deploy.yaml",
		Long: `Generate a deploy.yaml in the given directory (default current directory).
The template deploys a Symfony application with the standard flow and shows
how to add custom tasks and hooks.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(dir, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing deploy.yaml")
	return cmd
}

func runInit(dir string, force bool) error {
	path := filepath.Join(dir, config.ConfigFileName)
	if config.ConfigExists(path) && !force {
		util.Default.Printf("💡 Use --force or remove the existing file if you want to recreate it\n")
		return configError(fmt.Errorf("%s already exists", path))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %v", dir, err)
	}
	name := filepath.Base(mustAbs(dir))
	if err := os.WriteFile(path, []byte(configTemplate(name)), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}

	util.Default.Printf("✅ Created %s\n", path)
	util.Default.Printf("\n💡 Deployer initialized! You can now:\n")
	util.Default.Printf("   - Edit hosts, repository and deploy_path in %s\n", config.ConfigFileName)
	util.Default.Printf("   - Use 'deployer list' to see available tasks\n")
	util.Default.Printf("   - Use 'deployer deploy --dry-run' to preview the plan\n")
	util.Default.Printf("   - Use 'deployer deploy' to ship a release\n")
	return nil
}

func mustAbs(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

func configTemplate(name string) string {
	return fmt.Sprintf(`project_name: %s
repository: git@github.com:example/%s.git
branch: main
deploy_path: /var/www/%s

keep_releases: 5
# keep_window: 1
# max_parallel: 4
command_timeout: 10m
# timezone: Europe/Paris
git_cache: true

shared_dirs:
  - app/logs
  - web/uploads
shared_files:
  - app/config/parameters.yml

writable:
  mode: auto       # auto, acl, setfacl, chmod or none
  dirs:
    - app/cache
    - app/logs
  # http_user: www-data
  # use_sudo: false

vars:
  env: prod
  composer_options: "install --no-dev --verbose --prefer-dist --optimize-autoloader --no-progress --no-interaction"
  # slack_channel: "#deploys"

hosts:
  - name: web1
    hostname: ${WEB1_HOST}
    user: deploy
    port: 22
    identity_file: ~/.ssh/id_ed25519
    stage: production
  # - name: staging
  #   hostname: staging.example.com
  #   user: deploy
  #   use_agent: true
  #   stage: staging

tasks:
  php:reload:
    desc: Reload PHP-FPM
    run: sudo systemctl reload php-fpm
    after: deploy:symlink
  # database:migrate:
  #   desc: Run database migrations
  #   run: "{{bin_dir}}/console doctrine:migrations:migrate --no-interaction --env={{env}}"
  #   dir: "{{release_path}}"
  #   before: deploy:symlink

# history:
#   driver: sqlite   # sqlite, postgres or none
#   dsn: .deployer/history.db
# notify:
#   amqp:
#     url: ${AMQP_URL}
#     exchange: deployments
# metrics:
#   file: /var/lib/node_exporter/textfile/deployer.prom
`, name, name, name)
}
