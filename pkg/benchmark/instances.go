// Package benchmark evaluates a dataset of repository issues: it runs one
// trajectory per instance under a bounded worker pool and aggregates
// predictions, reports and store rows.
package benchmark

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Instance is one evaluation task: a repository at a commit plus the issue
// to solve. GoldenPatch and ResolvedBy are dataset metadata and may be
// absent.
type Instance struct {
	InstanceID       string   `json:"instance_id"`
	Repo             string   `json:"repo"`
	BaseCommit       string   `json:"base_commit"`
	ProblemStatement string   `json:"problem_statement"`
	GoldenPatch      string   `json:"golden_patch,omitempty"`
	ResolvedBy       []string `json:"resolved_by,omitempty"`
}

// Problem statements routinely exceed bufio's default line limit.
const maxInstanceLine = 16 * 1024 * 1024

// LoadInstances reads a JSONL dataset, one instance per line. Blank lines
// are skipped; a malformed line fails the load with its line number.
func LoadInstances(path string) ([]*Instance, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInstanceLine)

	var instances []*Instance
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		instance := &Instance{}
		if err := json.Unmarshal([]byte(line), instance); err != nil {
			return nil, fmt.Errorf("failed to parse instance at line %d: %w", lineNo, err)
		}
		if instance.InstanceID == "" {
			return nil, fmt.Errorf("instance at line %d has no instance_id", lineNo)
		}
		instances = append(instances, instance)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	return instances, nil
}
