package cmd

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"deployer/internal/config"
	"deployer/internal/orchestrator"
	"deployer/internal/recipe"
	"deployer/internal/remote"
	"deployer/internal/sshclient"
	"deployer/internal/util"
)

// needsPassword reports whether h has no other way to authenticate.
func needsPassword(h config.HostConfig) bool {
	return !h.Local && h.Password == "" && h.IdentityFile == "" && !h.UseAgent
}

// promptPasswords asks for the password of every host that has no other
// authentication method. Hosts are prompted one by one before any connection
// is opened so prompts never interleave.
func promptPasswords(hosts []config.HostConfig) error {
	fd := int(os.Stdin.Fd())
	for i := range hosts {
		if !needsPassword(hosts[i]) {
			continue
		}
		if !term.IsTerminal(fd) {
			return fmt.Errorf("host %s has no identity_file, password or use_agent and stdin is not a terminal", hosts[i].Name)
		}
		fmt.Fprintf(os.Stderr, "🔑 Password for %s@%s: ", hosts[i].User, hosts[i].Hostname)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %v", err)
		}
		hosts[i].Password = string(pw)
	}
	return nil
}

func sshOptions(h config.HostConfig) sshclient.Options {
	return sshclient.Options{
		User:                  h.User,
		Address:               h.Address(),
		IdentityFile:          h.IdentityFile,
		Password:              h.Password,
		UseAgent:              h.UseAgent,
		KnownHosts:            h.KnownHosts,
		InsecureIgnoreHostKey: h.InsecureIgnoreHostKey,
	}
}

// dial opens the executor for one configured host.
func dial(ctx context.Context, h config.HostConfig, verbose bool) (remote.Executor, error) {
	if h.Local {
		return remote.NewLocalExecutor(h.Name), nil
	}
	client := sshclient.New(h.Name, sshOptions(h))
	if verbose {
		client.OnOutput(func(line string) {
			util.Default.Hostf(h.Name, "  %s", line)
		})
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// connector returns an orchestrator.Connector over the configured hosts.
func connector(hosts []config.HostConfig, verbose bool) orchestrator.Connector {
	byName := make(map[string]config.HostConfig, len(hosts))
	for _, h := range hosts {
		byName[h.Name] = h
	}
	return func(ctx context.Context, h orchestrator.Host) (remote.Executor, error) {
		hc, ok := byName[h.Name]
		if !ok {
			return nil, &remote.ConnectionError{Host: h.Name, Err: fmt.Errorf("host is not configured")}
		}
		return dial(ctx, hc, verbose)
	}
}

func orchestratorHosts(cfg *config.Config, hosts []config.HostConfig) []orchestrator.Host {
	out := make([]orchestrator.Host, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, orchestrator.Host{Name: h.Name, Vars: recipe.HostVars(cfg, h)})
	}
	return out
}
