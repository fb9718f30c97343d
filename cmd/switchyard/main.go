// Switchyard is a multi-protocol LLM routing gateway: one endpoint per wire
// protocol in front of a classifying virtual router, a credential pool with
// cooldowns, and a bidirectional protocol switch.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/switchyard.yaml", "path to config file")
	strictReload := flag.Bool("strict-reload", false, "exit on invalid config during SIGHUP reload instead of keeping the old config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("switchyard", version)
		os.Exit(0)
	}

	if err := run(*configPath, *strictReload); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errStrictReload) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
