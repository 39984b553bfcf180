package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"relaycore/internal/adapter/capability"
	"relaycore/internal/infra/config"
	"relaycore/internal/infra/logger"
	"relaycore/internal/usecase/admission"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Request schemas", Fn: checkRequestSchemas},
		{Name: "Capability", Fn: checkCapability},
		{Name: "Gateway", Fn: checkGateway},
	}

	fmt.Println("relayd doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	results := runChecks(cfg, checks)
	var pass, warn, fail int
	for _, result := range results {
		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// runChecks runs every check. Checks after a failed config load are skipped.
func runChecks(cfg *config.Config, checks []Check) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for i, check := range checks {
		var result CheckResult
		if cfg == nil && i > 0 {
			result = CheckResult{Status: StatusWarn, Message: "skipped: config did not load"}
		} else {
			result = check.Fn(cfg)
		}
		result.Name = check.Name
		results = append(results, result)
	}
	return results
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: cfgErr.Error(),
				Fix:     fmt.Sprintf("fix %s (permissions must be 0600 or stricter)", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkRequestSchemas(cfg *config.Config) CheckResult {
	schemas := cfg.Orchestrator.RequestSchemas
	if len(schemas) == 0 {
		return CheckResult{Status: StatusPass, Message: "none configured"}
	}
	if _, err := admission.LoadValidator(schemas); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "check orchestrator.request_schemas paths and JSON Schema syntax",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d schema(s) compiled", len(schemas))}
}

func checkCapability(cfg *config.Config) CheckResult {
	factory, err := capability.NewFactory(cfg.Capability, logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := factory(ctx, "doctor")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if !c.Probe(ctx) {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s capability probe failed", cfg.Capability.Type),
			Fix:     "check capability.endpoint / capability.probe_url reachability",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s capability reachable", cfg.Capability.Type)}
}

func checkGateway(cfg *config.Config) CheckResult {
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "stop the process holding the port or change gateway.addr",
		}
	}
	ln.Close()
	if cfg.Gateway.RateLimit.RequestsPerMin == 0 {
		return CheckResult{Status: StatusWarn, Message: cfg.Gateway.Addr + " free; per-client rate limit disabled"}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Gateway.Addr + " free"}
}
