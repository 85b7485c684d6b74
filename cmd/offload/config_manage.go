package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/offload/internal/builtin"
	"github.com/mattjoyce/offload/internal/config"
	"github.com/mattjoyce/offload/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "path":
		return runConfigPath(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: offload config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, path")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: offload config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration syntax and pool settings.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid (warnings allowed unless --strict)")
	fmt.Println("  1  Errors found, or warnings with --strict")
}

func printConfigShowHelp() {
	fmt.Println("Usage: offload config show [--config PATH]")
	fmt.Println("Print the resolved configuration as YAML. The API key is masked.")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	format := fs.String("format", "human", "Output format: human or json")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		r := &doctor.Result{Errors: []doctor.Issue{{Category: "syntax", Message: err.Error()}}}
		printCheckResult(r, *format)
		return 1
	}

	self, _ := os.Executable()
	r := doctor.New(cfg, builtin.Table(), self).Validate()
	if code := printCheckResult(r, *format); code != 0 {
		return code
	}
	if !r.Valid || (*strict && len(r.Warnings) > 0) {
		return 1
	}
	return 0
}

func printCheckResult(r *doctor.Result, format string) int {
	switch format {
	case "json":
		out, err := doctor.FormatJSON(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	case "human":
		fmt.Print(doctor.FormatHuman(r))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", format)
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.API.APIKey != "" {
		cfg.API.APIKey = "********"
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	if cfg.SourcePath != "" {
		fmt.Printf("# source: %s\n# digest: %s\n", cfg.SourcePath, cfg.Digest)
	}
	fmt.Print(string(out))
	return 0
}

func runConfigPath(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: offload config path")
		return 1
	}
	path, err := config.DiscoverConfigPath()
	if errors.Is(err, config.ErrConfigNotFound) {
		fmt.Fprintln(os.Stderr, "No config file found; built-in defaults apply. Searched:")
		for _, p := range config.SearchPaths() {
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Println(path)
	return 0
}
