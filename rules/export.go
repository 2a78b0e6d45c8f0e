package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/eventrules/condition"
)

// DocumentVersion is the export format version written and accepted.
const DocumentVersion = 1

// Document is the portable YAML form of a rule set.
type Document struct {
	Version    int          `yaml:"version"`
	ExportedAt time.Time    `yaml:"exported_at"`
	Rules      []RuleRecord `yaml:"rules"`
}

// RuleRecord is one exported rule.
type RuleRecord struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Active      bool          `yaml:"active"`
	Priority    int           `yaml:"priority"`
	Trigger     TriggerRecord `yaml:"trigger"`
	// Condition is the condition text; ConditionTree is the structured form
	// and wins when both are present.
	Condition     string       `yaml:"condition,omitempty"`
	ConditionTree any          `yaml:"condition_tree,omitempty"`
	Actions       []RuleAction `yaml:"actions"`
}

// TriggerRecord is the trigger descriptor of a RuleRecord.
type TriggerRecord struct {
	Type   TriggerType    `yaml:"type"`
	Config map[string]any `yaml:"config,omitempty"`
}

// ImportMode selects how existing rule IDs are treated.
type ImportMode string

const (
	ImportCreateOnly ImportMode = "create-only"
	ImportUpsert     ImportMode = "upsert"
)

type ImportOptions struct {
	Mode ImportMode
	// DryRun validates every record without writing.
	DryRun bool
}

type ImportResult struct {
	Created []string
	Updated []string
	Failed  map[string]error
}

// ToRecord converts a rule to its export record.
func ToRecord(r *Rule) RuleRecord {
	return RuleRecord{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Active:      r.Active,
		Priority:    r.Priority,
		Trigger:     TriggerRecord{Type: r.TriggerType, Config: cloneConfig(r.TriggerConfig)},
		Condition:   r.ConditionString(),
		Actions:     r.SortedActions(),
	}
}

// FromRecord converts a record back to a rule, parsing its condition.
func FromRecord(rec RuleRecord) (*Rule, error) {
	r := &Rule{
		ID:            rec.ID,
		Name:          rec.Name,
		Description:   rec.Description,
		Active:        rec.Active,
		Priority:      rec.Priority,
		TriggerType:   rec.Trigger.Type,
		TriggerConfig: cloneConfig(rec.Trigger.Config),
		Actions:       append([]RuleAction(nil), rec.Actions...),
	}
	if rec.ConditionTree != nil {
		node, err := condition.FromStructured(rec.ConditionTree)
		if err != nil {
			return nil, fmt.Errorf("rule %s condition_tree: %w", rec.ID, err)
		}
		r.Condition = node
		r.ConditionText = condition.String(node)
		return r, nil
	}
	if err := r.ParseCondition(rec.Condition); err != nil {
		return nil, err
	}
	return r, nil
}

// Export writes every rule in store as a YAML document.
func Export(ctx context.Context, store RuleStore, w io.Writer) error {
	list, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	doc := Document{Version: DocumentVersion, ExportedAt: time.Now().UTC(), Rules: make([]RuleRecord, 0, len(list))}
	for _, r := range list {
		doc.Rules = append(doc.Rules, ToRecord(r))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return enc.Close()
}

// ReadDocument decodes and version-checks a YAML document.
func ReadDocument(r io.Reader) (*Document, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("import: decode: %w", err)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("import: unsupported document version %d", doc.Version)
	}
	return &doc, nil
}

// Import reads a document and applies it through the manager, so imported
// rules are validated and invalidate the cache like any other mutation.
// Records fail independently; the returned error joins every failure.
func Import(ctx context.Context, r io.Reader, m *Manager, opts ImportOptions) (*ImportResult, error) {
	doc, err := ReadDocument(r)
	if err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = ImportCreateOnly
	}

	res := &ImportResult{Failed: make(map[string]error)}
	var errs []error
	fail := func(id string, err error) {
		res.Failed[id] = err
		errs = append(errs, fmt.Errorf("rule %s: %w", id, err))
	}

	for i, rec := range doc.Rules {
		id := rec.ID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		rule, err := FromRecord(rec)
		if err != nil {
			fail(id, err)
			continue
		}
		if err := m.Prepare(rule); err != nil {
			fail(id, err)
			continue
		}

		_, getErr := m.store.Get(ctx, rule.ID)
		exists := getErr == nil
		if getErr != nil && !errors.Is(getErr, ErrNotFound) {
			fail(id, getErr)
			continue
		}
		if exists && opts.Mode == ImportCreateOnly {
			fail(id, fmt.Errorf("%w: %s", ErrAlreadyExists, rule.ID))
			continue
		}
		if opts.DryRun {
			if exists {
				res.Updated = append(res.Updated, rule.ID)
			} else {
				res.Created = append(res.Created, rule.ID)
			}
			continue
		}

		if exists {
			if _, err := m.Update(ctx, rule); err != nil {
				fail(id, err)
				continue
			}
			res.Updated = append(res.Updated, rule.ID)
			continue
		}
		if _, err := m.Create(ctx, rule); err != nil {
			fail(id, err)
			continue
		}
		res.Created = append(res.Created, rule.ID)
	}
	return res, errors.Join(errs...)
}
