package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luminode/luminode/pkg/policy"
	"github.com/luminode/luminode/pkg/runtime"
)

// validationResult is the per-file outcome printed by validate.
type validationResult struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var withPolicy bool

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate program files",
		Long: `Check program files the way a device would before accepting them: size
ceiling, syntax, and optionally the built-in admission policies. Prints each
file's checksum for use in delivery messages.`,
		Example: `  # Validate a single program
  luminode validate blink.star

  # Validate with admission policies applied
  luminode validate --policy programs/*.star`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var admission runtime.AdmissionPolicy
			if withPolicy {
				engine, err := policy.NewEngine(policy.EngineOptions{})
				if err != nil {
					return err
				}
				admission = engine
			}
			validator := runtime.NewValidator(0, admission)

			results := make([]validationResult, 0, len(args))
			failed := false
			for _, file := range args {
				result := validateFile(cmd, validator, file)
				if !result.Valid {
					failed = true
				}
				results = append(results, result)
			}

			if jsonOutput {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Valid {
						fmt.Printf("ok    %s  sha256=%s\n", r.File, r.Checksum)
					} else {
						fmt.Printf("error %s  %s\n", r.File, r.Error)
					}
				}
			}

			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withPolicy, "policy", false, "apply built-in admission policies")
	return cmd
}

func validateFile(cmd *cobra.Command, validator *runtime.Validator, file string) validationResult {
	data, err := os.ReadFile(file)
	if err != nil {
		return validationResult{File: file, Error: err.Error()}
	}

	source := string(data)
	result := validationResult{
		File:     file,
		Checksum: runtime.Checksum(source),
	}

	id := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if _, err := validator.Validate(cmd.Context(), runtime.Spec{ID: id, Name: id, Source: source}); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Valid = true
	return result
}
