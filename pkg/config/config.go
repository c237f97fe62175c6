// Package config holds the tunables for a Foreign Transaction Manager
// instance, in the same flat Config-struct-plus-DefaultConfig shape
// laura-db's pkg/server/config.go uses for the rest of the server.
package config

import (
	"fmt"
	"time"

	"github.com/mnohosten/laura-fxact/pkg/orchestrator"
)

// Config holds Foreign Transaction Manager configuration settings.
type Config struct {
	MaxPreparedForeignTransactions int           // Size of the process-wide FXact Table. Default: 200
	MaxForeignTransactionResolvers int           // Maximum concurrent per-database resolver workers. Default: 8
	ResolutionRetryInterval        time.Duration // How often a resolver worker retries a failed FDW resolve
	ResolverTimeout                time.Duration // Per-call timeout on a resolver's FDW Resolve invocation
	DistributedAtomicCommit        string        // "disabled", "prefer" or "required"

	DataDir string // Directory holding the WAL journal and spill files

	// Admin surface
	AdminHost   string
	AdminPort   int
	AdminAPIKey string // empty disables authentication on the admin surface
}

// DefaultConfig returns a configuration with sensible defaults, mirroring
// PostgreSQL's own defaults for the equivalent GUCs.
func DefaultConfig() *Config {
	return &Config{
		MaxPreparedForeignTransactions: 200,
		MaxForeignTransactionResolvers: 8,
		ResolutionRetryInterval:        5 * time.Second,
		ResolverTimeout:                30 * time.Second,
		DistributedAtomicCommit:        "disabled",
		DataDir:                        "./data",
		AdminHost:                      "localhost",
		AdminPort:                      8090,
		AdminAPIKey:                    "",
	}
}

// Policy translates DistributedAtomicCommit into the orchestrator.Policy
// it configures.
func (c *Config) Policy() (orchestrator.Policy, error) {
	switch c.DistributedAtomicCommit {
	case "disabled":
		return orchestrator.PolicyDisabled, nil
	case "prefer":
		return orchestrator.PolicyPrefer, nil
	case "required":
		return orchestrator.PolicyRequired, nil
	default:
		return 0, fmt.Errorf("config: invalid distributed-atomic-commit value %q", c.DistributedAtomicCommit)
	}
}
