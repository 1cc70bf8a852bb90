// cmd/tools/rulectl/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	apphttp "qms-assistant/internal/common/http"
	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/engine/rules"
	"qms-assistant/internal/models"
	"qms-assistant/pkg/rulefile"
)

func main() {
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	disableCmd := flag.NewFlagSet("disable", flag.ExitOnError)
	pushCmd := flag.NewFlagSet("push", flag.ExitOnError)

	// Validate command flags
	validatePath := validateCmd.String("path", "configs/rules.yaml", "Path to rule file")

	// Disable command flags
	disablePath := disableCmd.String("path", "configs/rules.yaml", "Path to rule file")
	disableID := disableCmd.Int64("id", 0, "Rule ID to disable")

	// Push command flags
	pushPath := pushCmd.String("path", "configs/rules.yaml", "Path to rule file")
	pushURL := pushCmd.String("url", "http://localhost:8080", "Assistant server base URL")
	pushToken := pushCmd.String("token", os.Getenv("RULECTL_TOKEN"), "Bearer token for the admin routes")
	pushTimeout := pushCmd.Duration("timeout", 10*time.Second, "Per-request timeout")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := validateFile(os.Stdout, *validatePath); err != nil {
			fmt.Printf("Rule validation failed: %v\n", err)
			os.Exit(1)
		}

	case "disable":
		disableCmd.Parse(os.Args[2:])
		if *disableID <= 0 {
			fmt.Println("Error: a positive id is required for disable.")
			disableCmd.Usage()
			os.Exit(1)
		}
		if err := disableRule(context.Background(), *disablePath, *disableID); err != nil {
			fmt.Printf("Error disabling rule: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Disabled rule %d in %s\n", *disableID, *disablePath)

	case "push":
		pushCmd.Parse(os.Args[2:])
		client := apphttp.NewClient(*pushTimeout).WithBearerToken(*pushToken)
		if err := pushRules(context.Background(), os.Stdout, client, *pushURL, *pushPath); err != nil {
			fmt.Printf("Push failed: %v\n", err)
			os.Exit(1)
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

// validateFile runs the server's load-time validation over a rule file.
func validateFile(w io.Writer, path string) error {
	doc, err := rulefile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load rule file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return fmt.Errorf("rule file contains no rules")
	}

	valid, rejected := rules.ValidateSet(doc.Rules)
	for _, rej := range rejected {
		fmt.Fprintf(w, "  rule %d (%s/%s): %s\n", rej.RuleID, rej.Category, rej.Name, rej.Reason)
	}
	if len(rejected) > 0 {
		return fmt.Errorf("%d of %d rules rejected", len(rejected), len(doc.Rules))
	}

	fmt.Fprintf(w, "Rule validation passed. Found %d rules.\n", len(valid))
	return nil
}

// disableRule edits the file through the same repository the server uses,
// so the version bump matches a server-side disable.
func disableRule(ctx context.Context, path string, id int64) error {
	repo := rules.NewRepository(rules.NewFileSource(path), logger.NewNoOpLogger())
	if _, err := repo.Load(ctx); err != nil {
		return err
	}
	return repo.Disable(ctx, id)
}

type upsertResponse struct {
	ID      int64 `json:"id"`
	Version int   `json:"version"`
}

// pushRules upserts every valid rule in the file to a running server.
func pushRules(ctx context.Context, w io.Writer, client *apphttp.Client, baseURL, path string) error {
	doc, err := rulefile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load rule file: %w", err)
	}

	valid, rejected := rules.ValidateSet(doc.Rules)
	for _, rej := range rejected {
		fmt.Fprintf(w, "  skipped rule %d (%s): %s\n", rej.RuleID, rej.Name, rej.Reason)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/rules"
	failed := 0
	for _, rule := range valid {
		if rule.ParameterSpec == nil {
			rule.ParameterSpec = []models.ParameterSpec{}
		}
		var out upsertResponse
		if err := client.DoJSON(ctx, http.MethodPut, endpoint, rule, &out); err != nil {
			var statusErr *apphttp.StatusError
			if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("server refused credentials: %w", err)
			}
			fmt.Fprintf(w, "  rule %d (%s): %v\n", rule.ID, rule.Name, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "  rule %d (%s) -> version %d\n", out.ID, rule.Name, out.Version)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d rules failed", failed, len(valid))
	}
	fmt.Fprintf(w, "Pushed %d rules to %s\n", len(valid), endpoint)
	return nil
}

func help() {
	fmt.Print(`
Usage: rulectl <command> [flags]

Commands:
  validate Validate a rule file the way the server does at load time
  disable  Disable a rule in a rule file
  push     Upsert every rule in a file to a running server
  help     Show this help message

Examples:
  rulectl validate -path configs/rules.yaml
  rulectl disable -path configs/rules.yaml -id 3
  rulectl push -path configs/rules.yaml -url http://localhost:8080 -token $RULECTL_TOKEN

Use 'rulectl <command> -h' for more information about a command.

`)
}
