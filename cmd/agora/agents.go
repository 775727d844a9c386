package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/registry"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the project's agents",
	Long: `List every agent that can be addressed in this project.

Agents in agents.json are listed with their public key. Definition files in
.agora/agents that no agent uses yet are listed as available; mentioning
one in a thread creates it.`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

var agentsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create an agent and its identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsAdd,
}

func init() {
	agentsCmd.AddCommand(agentsAddCmd)
}

func openRegistry() (*registry.Registry, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	paths := project.NewPaths(root)
	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	if err != nil {
		return nil, err
	}
	reg := registry.New(dir, paths.DefinitionsDir())
	if err := reg.LoadAll(); err != nil {
		printStatus("⚠", err.Error(), color.FgYellow)
	}
	return reg, nil
}

func runAgents(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	all := reg.GetAllAvailableAgents()
	if len(all) == 0 {
		fmt.Println("No agents yet. Run 'agora agents add <name>' or mention one in a thread.")
		return nil
	}

	slugs := make([]string, 0, len(all))
	for slug := range all {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-16s %-14s %-22s %s", "AGENT", "STATUS", "PUBKEY", "DESCRIPTION")))
	for _, slug := range slugs {
		s := all[slug]
		status := okStyle.Render(fmt.Sprintf("%-14s", "loaded"))
		if !s.Loaded {
			status = dimStyle.Render(fmt.Sprintf("%-14s", "available"))
		}
		fmt.Printf("%s %s %-22s %s\n",
			agentStyle.Render(fmt.Sprintf("%-16s", "@"+s.Slug)),
			status,
			shortKey(s.PubKey),
			s.Description)
		if len(s.Capabilities) > 0 {
			fmt.Printf("%-16s %s\n", "", dimStyle.Render("tools: "+strings.Join(s.Capabilities, ", ")))
		}
	}
	return nil
}

func runAgentsAdd(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	a, err := reg.GetAgent(args[0])
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Agent @%s ready (%s)", a.Slug, a.PubKey()), color.FgGreen)
	return nil
}
