package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the manifest (yaml or toml)" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the orchestrator (debug feature)"`
	LogFormat   string `long:"log-format" description:"override the manifest log format" choice:"console" choice:"json"`
	Validate    bool   `long:"validate" description:"validate the manifest, print a summary and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := orchestrator.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Manifest is invalid: %v\n", err)
			os.Exit(1)
		}
		config, err := orchestrator.LoadConfigFromFile(opts.Config)
		if err != nil {
			fmt.Printf("Failed to load manifest: %v\n", err)
			os.Exit(1)
		}
		summary := orchestrator.GetConfigSummary(config)
		fmt.Printf("Manifest is valid, units: %d (bootstrap: %d, continuous: %d), contexts: %v, bindings: %v, store: %s\n",
			summary.TotalUnits, summary.BootstrapUnits, summary.ContinuousUnits, summary.Contexts, summary.Bindings, summary.Store)
		for _, unit := range summary.Units {
			fmt.Printf("  %s: kind=%s phase=%s context=%s requires=%v probe=%s\n",
				unit.ID, unit.Kind, unit.Phase, unit.Context, unit.Requires, unit.ProbeType)
		}
		return
	}

	err = orchestrator.Run(orchestrator.RunOptions{
		ConfigFile:  opts.Config,
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
		LogFormat:   opts.LogFormat,
	})
	if err != nil {
		fmt.Printf("Orchestrator failed: %v\n", err)
		os.Exit(1)
	}
}
