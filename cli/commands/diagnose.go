package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	coreproj "github.com/foldstream/coreproj"
	"github.com/foldstream/coreproj/cli/config"
)

// CheckStatus is the outcome of a single diagnostic check.
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	default:
		return "FAILED"
	}
}

// CheckResult is the outcome of one DiagnosticCheck.
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck names one check and the function that runs it.
type DiagnosticCheck struct {
	Name  string
	Check func() CheckResult
}

// NewDiagnoseCommand checks configuration validity, event log
// connectivity, and whether a checkpoint has ever been written.
func NewDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "diagnose",
		Aliases: []string{"diag", "doctor"},
		Short:   "Run diagnostic checks against the configured projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := []DiagnosticCheck{
				{Name: "Go Runtime", Check: checkGoVersion},
				{Name: "Configuration", Check: checkConfiguration},
				{Name: "Event Log Connection", Check: checkEventLogConnection},
				{Name: "Checkpoint Stream", Check: checkCheckpointStream},
			}

			results := make([]CheckResult, 0, len(checks))
			allPassed := true

			for _, c := range checks {
				fmt.Printf("  checking %-22s ... ", c.Name)
				result := c.Check()
				results = append(results, result)

				fmt.Println(result.Status.String())
				if result.Status != StatusOK {
					allPassed = false
				}
				if result.Message != "" {
					fmt.Printf("    %s\n", result.Message)
				}
			}

			fmt.Println()
			if allPassed {
				fmt.Println("all checks passed")
				return nil
			}

			fmt.Println("some checks failed or have warnings:")
			for _, r := range results {
				if r.Recommendation != "" {
					fmt.Printf("  -> %s\n", r.Recommendation)
				}
			}
			return nil
		},
	}
}

func checkGoVersion() CheckResult {
	return newCheckResult("Go Runtime", StatusOK, runtime.Version())
}

func checkConfiguration() CheckResult {
	cwd, err := os.Getwd()
	if err != nil {
		return newCheckResult("Configuration", StatusError, err.Error()).
			withRecommendation("check directory permissions")
	}
	if !config.Exists(cwd) {
		return newCheckResult("Configuration", StatusWarning, "no coreproj.yaml found").
			withRecommendation("run 'coreproj init' to create one")
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return newCheckResult("Configuration", StatusError, fmt.Sprintf("invalid config: %v", err)).
			withRecommendation("check coreproj.yaml syntax")
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return newCheckResult("Configuration", StatusWarning, fmt.Sprintf("%d validation errors", len(errs))).
			withRecommendation(errs[0])
	}
	return newCheckResult("Configuration", StatusOK,
		fmt.Sprintf("projection=%s driver=%s", cfg.Projection.Name, cfg.EventLog.Driver))
}

func checkEventLogConnection() CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, _, err := loadConfig()
	if err != nil {
		return newCheckResult("Event Log Connection", StatusWarning, "no configuration found").
			withRecommendation("run 'coreproj init' first")
	}

	if cfg.EventLog.Driver == "memory" {
		return newCheckResult("Event Log Connection", StatusOK, "using in-memory adapter, no connection needed")
	}

	factory, err := NewAdapterFactory(cfg)
	if err != nil {
		return newCheckResult("Event Log Connection", StatusWarning, err.Error()).
			withRecommendation("set the EVENT_LOG_DSN environment variable")
	}

	log, cleanup, err := factory.CreateEventLog(ctx)
	if err != nil {
		return newCheckResult("Event Log Connection", StatusError, err.Error()).
			withRecommendation("verify connection credentials and network access")
	}
	defer cleanup()

	checker, ok := log.(interface{ Ping(context.Context) error })
	if !ok {
		return newCheckResult("Event Log Connection", StatusOK, "adapter does not support health checks")
	}
	if err := checker.Ping(ctx); err != nil {
		return newCheckResult("Event Log Connection", StatusError, err.Error()).
			withRecommendation("verify the event log is reachable")
	}
	return newCheckResult("Event Log Connection", StatusOK, "connected")
}

func checkCheckpointStream() CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log, cfg, cleanup, err := getEventLog(ctx)
	if err != nil {
		return newCheckResult("Checkpoint Stream", StatusWarning, err.Error())
	}
	defer cleanup()

	mgr := newReadOnlyCheckpointManager(cfg.Projection.Name, log)
	tag, _, err := mgr.BeginLoad(ctx)
	if err != nil {
		return newCheckResult("Checkpoint Stream", StatusError, err.Error()).
			withRecommendation("inspect the checkpoint stream for corruption")
	}
	if tag.IsZero() {
		return newCheckResult("Checkpoint Stream", StatusWarning, "no checkpoint written yet").
			withRecommendation("start the projection to begin processing events")
	}

	naming := coreproj.DefaultNamingBuilder{}
	return newCheckResult("Checkpoint Stream", StatusOK,
		fmt.Sprintf("%s at %s", naming.CheckpointStream(cfg.Projection.Name), tag.String()))
}
