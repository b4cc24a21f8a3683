package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"deployer/internal/config"
	"deployer/internal/history"
	"deployer/internal/recipe"
	"deployer/internal/util"
)

func newMenuCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Interactive menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showMenu(cmd.Context(), opts)
		},
	}
}

const (
	menuDeploy   = "🚀 Deploy"
	menuDryRun   = "📋 Dry Run"
	menuReleases = "📦 Show Releases"
	menuHistory  = "📜 Show History"
	menuRollback = "⏪ Rollback"
	menuTasks    = "📝 List Tasks"
	menuReload   = "🔄 Reload Config"
	menuExit     = "🚪 Exit"
)

func selectOption(label string, items []string) (string, error) {
	util.Default.Suspend()
	defer util.Default.Resume()
	prompt := promptui.Select{
		Label: label,
		Items: items,
		Size:  10,
	}
	_, result, err := prompt.Run()
	return result, err
}

func waitForEnter() {
	fmt.Println("\nPress Enter to continue...")
	bufio.NewReader(os.Stdin).ReadString('\n')
}

// showMenu displays an interactive menu over the common operations.
func showMenu(ctx context.Context, opts *options) error {
	for {
		cfg, err := config.Load(opts.configFile)
		if err != nil {
			util.Default.Printf("💡 Run 'deployer init' to create default configuration\n")
			return configError(err)
		}
		r, err := recipe.New(cfg)
		if err != nil {
			return configError(err)
		}

		var custom []string
		for _, t := range r.Graph.Tasks() {
			if !t.Private && t.Name != "deploy" && t.Name != "rollback" && cfg.Tasks[t.Name].Run != nil {
				custom = append(custom, "▶️  "+t.Name)
			}
		}
		items := []string{menuDeploy, menuDryRun, menuRollback}
		items = append(items, custom...)
		items = append(items, menuReleases, menuHistory, menuTasks, menuReload, menuExit)

		result, err := selectOption(fmt.Sprintf("%s (%d hosts)", cfg.ProjectName, len(cfg.Hosts)), items)
		if err != nil {
			util.Default.Printf("❌ Menu cancelled: %v\n", err)
			return nil
		}

		switch result {
		case menuExit:
			util.Default.Println("👋 Goodbye!")
			return nil
		case menuReload:
			util.Default.Println("🔄 Reloading configuration...")
			continue
		case menuTasks:
			printTasks(r)
		case menuDeploy:
			reportMenuError(runTask(ctx, opts, &runFlags{}, "deploy"))
		case menuDryRun:
			reportMenuError(runTask(ctx, opts, &runFlags{dryRun: true}, "deploy"))
		case menuRollback:
			if confirm("Roll back every host to its previous release") {
				reportMenuError(runTask(ctx, opts, &runFlags{}, "rollback"))
			}
		case menuReleases:
			if err := promptPasswords(cfg.Hosts); err != nil {
				reportMenuError(err)
				break
			}
			reportMenuError(showReleases(ctx, cfg, cfg.Hosts))
		case menuHistory:
			reportMenuError(menuShowHistory(ctx, cfg))
		default:
			for _, item := range custom {
				if item == result {
					reportMenuError(runTask(ctx, opts, &runFlags{}, item[len("▶️  "):]))
				}
			}
		}
		waitForEnter()
	}
}

func menuShowHistory(ctx context.Context, cfg *config.Config) error {
	if cfg.History.Driver == "none" {
		return fmt.Errorf("run history is disabled (history.driver: none)")
	}
	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.Recent(ctx, cfg.ProjectName, 10)
	if err != nil {
		return err
	}
	printHistory(runs)
	return nil
}

func confirm(label string) bool {
	util.Default.Suspend()
	defer util.Default.Resume()
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	_, err := prompt.Run()
	return err == nil
}

func reportMenuError(err error) {
	if err != nil {
		util.Default.Printf("❌ %v\n", err)
	}
}
