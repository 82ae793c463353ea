package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chiron-dev/chiron/internal/models"
)

// emitJSON renders any verdict object for CI consumption
func emitJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render JSON output: %w", err)
	}
	data = append(data, '\n')
	_, err = os.Stdout.Write(data)
	return err
}

// emitVerdictText renders a policy verdict for humans
func emitVerdictText(verdict models.Verdict) {
	if verdict.Allowed {
		fmt.Println("verdict: allowed")
	} else {
		fmt.Println("verdict: blocked")
	}
	for _, v := range verdict.Violations {
		fmt.Printf("  [%s] %s %s: %s\n", v.Severity, v.Coordinate, v.Rule, v.Message)
		if v.Suggestion != "" {
			fmt.Printf("        suggestion: %s\n", v.Suggestion)
		}
	}
}
