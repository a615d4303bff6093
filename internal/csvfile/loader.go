// Package csvfile provisions policies and role memberships from a policy
// CSV file and keeps them in sync with the file on reload.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/authz-engine/rbac-core/internal/rbac"
	"github.com/authz-engine/rbac-core/pkg/types"
)

// fileState is one parse of the policy file
type fileState struct {
	policies  map[string][]string
	groupings map[string][]string
}

func newFileState() *fileState {
	return &fileState{
		policies:  make(map[string][]string),
		groupings: make(map[string][]string),
	}
}

func ruleKey(rule []string) string {
	return strings.Join(rule, "\x1f")
}

// Loader parses a policy CSV file and applies it through the delegate,
// diffing against the previous parse so a reload only touches changed
// rows. Rows are applied with source "csv-file".
type Loader struct {
	delegate *rbac.EnforcerDelegate
	logger   *zap.Logger

	mu      sync.Mutex
	current *fileState
}

// NewLoader creates a CSV policy loader over the delegate
func NewLoader(delegate *rbac.EnforcerDelegate, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		delegate: delegate,
		logger:   logger,
		current:  newFileState(),
	}
}

// LoadFile parses the policy file and applies the difference against the
// previously loaded state. The first load applies every row.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	desired, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.applyDiff(ctx, l.current, desired); err != nil {
		return err
	}
	l.current = desired
	l.logger.Info("Policy file applied",
		zap.String("file", path),
		zap.Int("policies", len(desired.policies)),
		zap.Int("groupings", len(desired.groupings)),
	)
	return nil
}

func (l *Loader) applyDiff(ctx context.Context, current, desired *fileState) error {
	var addPolicies, removePolicies [][]string
	for key, rule := range desired.policies {
		if _, ok := current.policies[key]; !ok {
			addPolicies = append(addPolicies, rule)
		}
	}
	for key, rule := range current.policies {
		if _, ok := desired.policies[key]; !ok {
			removePolicies = append(removePolicies, rule)
		}
	}
	if len(removePolicies) > 0 {
		if err := l.delegate.RemovePolicies(ctx, removePolicies, nil); err != nil {
			return fmt.Errorf("failed to remove stale file policies: %w", err)
		}
	}
	if len(addPolicies) > 0 {
		if err := l.delegate.AddPolicies(ctx, addPolicies, nil); err != nil {
			return fmt.Errorf("failed to add file policies: %w", err)
		}
	}

	addByRole := make(map[string][][]string)
	removeByRole := make(map[string][][]string)
	for key, rule := range desired.groupings {
		if _, ok := current.groupings[key]; !ok {
			addByRole[rule[1]] = append(addByRole[rule[1]], rule)
		}
	}
	for key, rule := range current.groupings {
		if _, ok := desired.groupings[key]; !ok {
			removeByRole[rule[1]] = append(removeByRole[rule[1]], rule)
		}
	}
	for role, rules := range removeByRole {
		meta := fileRoleMetadata(role)
		if err := l.delegate.RemoveGroupingPolicies(ctx, rules, meta, false, nil); err != nil {
			return fmt.Errorf("failed to remove stale file groupings for %s: %w", role, err)
		}
	}
	for role, rules := range addByRole {
		meta := fileRoleMetadata(role)
		if err := l.delegate.AddGroupingPolicies(ctx, rules, meta, nil); err != nil {
			return fmt.Errorf("failed to add file groupings for %s: %w", role, err)
		}
	}
	return nil
}

func fileRoleMetadata(role string) types.RoleMetadata {
	return types.RoleMetadata{
		RoleEntityRef: role,
		Source:        types.SourceCSVFile,
		ModifiedBy:    "csv-file",
	}
}

// parseFile reads the policy CSV. Permission rows are
// "p, subject, resourceType, action"; grouping rows are
// "g, member, role". Blank lines and #-comments are skipped.
func parseFile(path string) (*fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	state := newFileState()
	for i, record := range records {
		for j := range record {
			record[j] = strings.TrimSpace(record[j])
		}
		switch record[0] {
		case "p":
			if len(record) != 4 {
				return nil, fmt.Errorf("invalid policy row %d: expected p, subject, resourceType, action", i+1)
			}
			rule := record[1:]
			state.policies[ruleKey(rule)] = rule
		case "g":
			if len(record) != 3 {
				return nil, fmt.Errorf("invalid grouping row %d: expected g, member, role", i+1)
			}
			rule := record[1:]
			if err := types.ValidateRoleEntityRef(rule[1]); err != nil {
				return nil, fmt.Errorf("invalid grouping row %d: %w", i+1, err)
			}
			state.groupings[ruleKey(rule)] = rule
		default:
			return nil, fmt.Errorf("invalid row %d: unknown policy type %q", i+1, record[0])
		}
	}
	return state, nil
}
