package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agora/internal/config"
)

var (
	projectFlag  string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Multi-agent coordinator for Nostr project conversations",
	Long: `Agora hosts a project's AI agents on a Nostr relay network.

Each agent has its own identity. Humans talk to them in project threads;
agora decides which agents answer, runs their turns, and hands coding
work to the Claude Code CLI.

Core capabilities:
- Routes threads by @mention and conversation phase
- Lets agents block on each other and resume when unblocked
- Records tool tasks and phase transitions in a local database
- Learns lessons agents publish about themselves`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "Project directory (default: nearest directory containing .agora)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Console log level (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// projectRoot resolves the project directory from --project or the
// working directory.
func projectRoot() (string, error) {
	if projectFlag != "" {
		return filepath.Abs(projectFlag)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	root := config.FindProjectRoot(cwd)
	if root == "" {
		return "", fmt.Errorf("no %s directory found in %s or its parents (run 'agora init')", config.ProjectDirName, cwd)
	}
	return root, nil
}

// loadConfig loads the runtime config for root, applying --log-level.
func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
