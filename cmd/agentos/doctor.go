package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	cfgPtr := &cfg
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		cfgPtr = nil
		// Continue anyway to diagnose why.
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		for _, res := range diag.Results {
			if res.Status == "FAIL" {
				return 1
			}
		}
		return 0
	}

	fmt.Printf("AgentOS Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "ok  "
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "warn"
		case "SKIP":
			icon = "skip"
		}
		fmt.Printf("%s %-10s %s\n", icon, res.Name+":", res.Message)
		if res.Detail != "" {
			fmt.Printf("     %s\n", res.Detail)
		}
	}
	if failCount > 0 {
		fmt.Printf("\n%d check(s) failed\n", failCount)
		return 1
	}
	return 0
}
