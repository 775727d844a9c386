package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/agora/internal/bridge"
	"github.com/ShayCichocki/agora/internal/config"
	"github.com/ShayCichocki/agora/internal/fsutil"
	"github.com/ShayCichocki/agora/internal/llm"
	"github.com/ShayCichocki/agora/internal/llm/anthropic"
	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/registry"
)

var (
	initForce  bool
	initName   string
	initOwner  string
	initDTag   string
	initRelays []string
	initModel  string
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize an agora project",
	Long: `Initialize a directory for use with agora.

This command sets up everything needed to run a project's agents:
  - Writes .agora/project.json with the project coordinate
  - Creates the default agent and its identity
  - Writes a starter llms.json and config.yaml if missing
  - Checks that the Claude Code CLI is installed

The directory argument is optional and defaults to the current directory.

Examples:
  agora init --owner npub1...                 # Initialize current directory
  agora init ./myproject --owner <hex> --name "My Project"
  agora init --owner npub1... --relay wss://relay.example.com`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing project.json")
	initCmd.Flags().StringVar(&initName, "name", "", "Project name (default: directory name)")
	initCmd.Flags().StringVar(&initOwner, "owner", "", "Project owner public key (npub or hex)")
	initCmd.Flags().StringVar(&initDTag, "d-tag", "", "Project record identifier (default: derived from the name)")
	initCmd.Flags().StringSliceVar(&initRelays, "relay", nil, "Relay URL (repeatable)")
	initCmd.Flags().StringVar(&initModel, "model", "claude-sonnet-4-5", "Model for the starter LLM configuration")
	_ = initCmd.MarkFlagRequired("owner")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	paths := project.NewPaths(absPath)

	fmt.Printf("Initializing agora in %s...\n\n", absPath)

	if _, err := os.Stat(paths.ProjectFile()); err == nil && !initForce {
		fmt.Println("Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	owner, err := decodePubKey(initOwner)
	if err != nil {
		printStatus("✗", "Invalid owner key", color.FgRed)
		return err
	}

	name := initName
	if name == "" {
		name = filepath.Base(absPath)
	}
	dTag := initDTag
	if dTag == "" {
		dTag = registry.Canonicalize(name)
	}
	meta := &project.Metadata{Name: name, DTag: dTag, OwnerPubKey: owner, Relays: initRelays}
	if err := project.SaveMetadata(paths.ProjectFile(), meta); err != nil {
		return err
	}
	printStatus("✓", "Wrote "+relPath(absPath, paths.ProjectFile()), color.FgGreen)

	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	if err != nil {
		return err
	}
	reg := registry.New(dir, paths.DefinitionsDir())
	def, err := reg.GetAgent(registry.DefaultAgentName)
	if err != nil {
		return fmt.Errorf("create default agent: %w", err)
	}
	printStatus("✓", fmt.Sprintf("Default agent %s (%s)", def.Slug, shortKey(def.PubKey())), color.FgGreen)

	if err := os.MkdirAll(paths.DefinitionsDir(), 0o755); err != nil {
		return fmt.Errorf("creating definitions directory: %w", err)
	}

	if err := writeStarterLLMs(paths.LLMsFile()); err != nil {
		return err
	}
	if err := writeStarterConfig(paths.ConfigFile()); err != nil {
		return err
	}

	if _, err := exec.LookPath("claude"); err != nil {
		printStatus("⚠", "Claude Code CLI not found; install it with: "+bridge.InstallHint, color.FgYellow)
	} else {
		printStatus("✓", "Claude Code CLI found", color.FgGreen)
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	fmt.Printf("\nProject coordinate: %s\n", meta.Ref())
	fmt.Println("Run 'agora run' to start the agents.")
	return nil
}

// decodePubKey accepts an npub or a 64 character hex key.
func decodePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", s, err)
		}
		pk, ok := value.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("%s is not an npub", s)
		}
		return pk, nil
	}
	if len(s) != 64 {
		return "", errors.New("owner must be an npub or 64 hex characters")
	}
	return strings.ToLower(s), nil
}

func writeStarterLLMs(path string) error {
	if _, err := os.Stat(path); err == nil {
		printStatus("•", "Keeping existing llms.json", color.FgCyan)
		return nil
	}
	settings := &llm.Settings{
		Configurations: map[string]llm.Configuration{
			"main": {Provider: anthropic.ProviderName, Model: initModel, MaxTokens: 8192},
		},
		Defaults: map[string]string{llm.DefaultKey: "main"},
	}
	if err := settings.Save(path); err != nil {
		return fmt.Errorf("write llms.json: %w", err)
	}
	printStatus("✓", "Wrote starter llms.json", color.FgGreen)
	return nil
}

// writeStarterConfig writes only the settings worth editing per project;
// everything else falls back to user config and defaults.
func writeStarterConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		printStatus("•", "Keeping existing config.yaml", color.FgCyan)
		return nil
	}
	d := config.Default()
	starter := map[string]any{
		"log":    d.Log,
		"bridge": map[string]any{"shutdown_policy": d.Bridge.ShutdownPolicy, "timeout": d.Bridge.Timeout},
		"orchestrator": map[string]any{
			"max_concurrent": d.Orchestrator.MaxConcurrent,
			"max_followups":  d.Orchestrator.MaxFollowups,
		},
	}
	data, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("encode config.yaml: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	printStatus("✓", "Wrote starter config.yaml", color.FgGreen)
	return nil
}

func relPath(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}

func shortKey(pk string) string {
	if len(pk) <= 12 {
		return pk
	}
	return pk[:8] + "…" + pk[len(pk)-4:]
}
