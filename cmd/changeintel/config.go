package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and persist changeintel configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cfg)
	},
}

var configSetGitHubTokenCmd = &cobra.Command{
	Use:   "set-github-token",
	Short: "Prompt for and persist a GitHub token used by the provenance enrichment sidecar",
	Long: `Reads a GitHub personal access token from the terminal without echoing
it, stores it in the config file, and exits. Equivalent to setting
GITHUB_TOKEN, but avoids leaving the token in shell history.`,
	RunE: runConfigSetGitHubToken,
}

func init() {
	configCmd.PersistentFlags().StringVar(&configPath, "out", "./changeintel.yaml", "config file to write")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetGitHubTokenCmd)
}

func runConfigSetGitHubToken(cmd *cobra.Command, args []string) error {
	token, err := readSecret("GitHub token: ")
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	cfg.GitHub.Token = strings.TrimSpace(token)
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("saved GitHub token to %s\n", configPath)
	return nil
}

// readSecret prompts on stdout and reads a line from stdin without echoing
// it when stdin is an interactive terminal, falling back to a plain
// buffered read (e.g. piped input in scripts/tests) otherwise.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stdout, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}
