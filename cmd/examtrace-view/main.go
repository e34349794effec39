// examtrace-view is the instructor-side tool: it opens sealed exam
// archives, verifies their integrity, recomputes session statistics,
// and renders audit reports.
package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"examtrace/internal/analyzer"
	"examtrace/internal/archive"
	"examtrace/internal/config"
	"examtrace/internal/crypt"
)

var (
	configPath string
	credential string
	promptCred bool
)

var rootCmd = &cobra.Command{
	Use:          "examtrace-view",
	Short:        "Open and audit sealed exam session archives",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.exam-recorder/config.toml)")
	rootCmd.PersistentFlags().StringVar(&credential, "credential", "", "instructor credential (default from config)")
	rootCmd.PersistentFlags().BoolVar(&promptCred, "prompt", false, "prompt for the credential instead of reading config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// sharedKey resolves the instructor credential and derives the archive
// key. Flag wins over prompt wins over config.
func sharedKey(cfg *config.Config) ([]byte, error) {
	cred := credential
	if cred == "" && promptCred {
		fmt.Fprint(os.Stderr, "Instructor credential: ")
		entered, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read credential: %w", err)
		}
		cred = string(entered)
	}
	if cred == "" {
		cred = cfg.Archive.Credential
	}
	return crypt.DeriveSharedKey(cred), nil
}

// loadAndAnalyze opens an archive and runs the full analysis.
func loadAndAnalyze(path string) (*analyzer.Analysis, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	key, err := sharedKey(cfg)
	if err != nil {
		return nil, err
	}
	a, err := archive.Open(path, key)
	if err != nil {
		return nil, err
	}
	return analyzer.Analyze(a, cfg.Analysis), nil
}
