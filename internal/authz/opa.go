package authz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// ErrAssignmentsAreDeclarative is returned by assignment mutations on the
// policy backend: grants live in policy files, not in the catalog.
var ErrAssignmentsAreDeclarative = errors.New("assignments are managed in policy files for the opa backend")

// PolicyConfig configures the policy-language backend.
type PolicyConfig struct {
	// PolicyPath is a directory of .rego files.
	PolicyPath string
	// PollInterval bounds how stale loaded policies may be; fsnotify events
	// trigger eager reloads.
	PollInterval time.Duration
	// RolePropertyPrefixes: entity property keys with one of these prefixes
	// are parsed as comma-separated role references and exposed to policies
	// as the "roles" input attribute.
	RolePropertyPrefixes []string
	// UserPropertyPrefixes: likewise for user references.
	UserPropertyPrefixes []string
}

// Policy evaluates declared rego policies against entity snapshots. The
// decision document is data.lakekeeper.decision: "allow", "deny" or absent
// (treated as cannot_see).
type Policy struct {
	cfg    PolicyConfig
	logger *logger.Logger

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	loadErr  error

	stopCh chan struct{}
}

// NewPolicy loads policies and starts the reload loop.
func NewPolicy(cfg PolicyConfig, log *logger.Logger) (*Policy, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	p := &Policy{cfg: cfg, logger: log, stopCh: make(chan struct{})}
	if err := p.reload(); err != nil {
		return nil, err
	}
	go p.watchLoop()
	return p, nil
}

// Close stops the reload loop.
func (p *Policy) Close() {
	close(p.stopCh)
}

func (p *Policy) reload() error {
	entries, err := os.ReadDir(p.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to read policy directory: %w", err)
	}

	var modules []func(*rego.Rego)
	modules = append(modules, rego.Query("data.lakekeeper.decision"))
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(p.cfg.PolicyPath, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		modules = append(modules, rego.Module(entry.Name(), string(raw)))
		count++
	}
	if count == 0 {
		return fmt.Errorf("no .rego policies found in %s", p.cfg.PolicyPath)
	}

	prepared, err := rego.New(modules...).PrepareForEval(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.loadErr = err
		return fmt.Errorf("failed to prepare policies: %w", err)
	}
	p.prepared = &prepared
	p.loadErr = nil
	p.logger.Infof("Loaded %d rego policies from %s", count, p.cfg.PolicyPath)
	return nil
}

func (p *Policy) watchLoop() {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(p.cfg.PolicyPath); err != nil {
			p.logger.Warnf("Cannot watch policy directory: %v", err)
		}
	} else {
		p.logger.Warnf("Cannot create policy watcher, relying on polling: %v", err)
		watcher = nil
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-events:
		}
		if err := p.reload(); err != nil {
			p.logger.Errorf("Policy reload failed, keeping previous policies: %v", err)
		}
	}
}

// entityInput converts an entity to the policy input shape, parsing
// role/user references out of prefixed properties.
func (p *Policy) entityInput(e Entity) map[string]interface{} {
	in := map[string]interface{}{
		"kind": string(e.Kind),
		"id":   e.ID,
	}
	if len(e.Properties) > 0 {
		in["properties"] = e.Properties
		in["roles"] = parsePrefixedRefs(e.Properties, p.cfg.RolePropertyPrefixes)
		in["users"] = parsePrefixedRefs(e.Properties, p.cfg.UserPropertyPrefixes)
	}
	if len(e.Ancestors) > 0 {
		ancestors := make([]map[string]interface{}, 0, len(e.Ancestors))
		for _, a := range e.Ancestors {
			ancestors = append(ancestors, p.entityInput(a))
		}
		in["ancestors"] = ancestors
	}
	return in
}

func parsePrefixedRefs(props map[string]string, prefixes []string) []string {
	var refs []string
	seen := map[string]bool{}
	for key, value := range props {
		for _, prefix := range prefixes {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			for _, ref := range strings.Split(value, ",") {
				if ref = strings.TrimSpace(ref); ref != "" && !seen[ref] {
					seen[ref] = true
					refs = append(refs, ref)
				}
			}
		}
	}
	return refs
}

func (p *Policy) BatchCheck(ctx context.Context, actor Actor, items []CheckItem) ([]Decision, error) {
	p.mu.RLock()
	prepared := p.prepared
	p.mu.RUnlock()
	if prepared == nil {
		return nil, fmt.Errorf("policies not loaded")
	}

	decisions := make([]Decision, len(items))
	for i, item := range items {
		input := map[string]interface{}{
			"actor": map[string]interface{}{
				"kind":    string(actor.Kind),
				"user-id": actor.UserID,
				"role-id": actor.RoleID,
			},
			"operation": item.Operation,
			"entity":    p.entityInput(item.Entity),
		}
		if item.Context != nil {
			input["context"] = item.Context
		}

		results, err := prepared.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			p.logger.Errorf("Policy evaluation failed for %s: %v", item.Operation, err)
			decisions[i] = DecisionInternalError
			continue
		}
		decisions[i] = decisionFromResults(results)
	}
	return decisions, nil
}

func decisionFromResults(results rego.ResultSet) Decision {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionCannotSee
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		switch v {
		case "allow":
			return DecisionAllow
		case "deny":
			return DecisionDeny
		case "not_found":
			return DecisionNotFound
		case "cannot_see":
			return DecisionCannotSee
		default:
			return DecisionInvalid
		}
	case bool:
		if v {
			return DecisionAllow
		}
		return DecisionDeny
	default:
		return DecisionCannotSee
	}
}

func (p *Policy) AddAssignment(context.Context, Entity, Assignment) error {
	return ErrAssignmentsAreDeclarative
}

func (p *Policy) RemoveAssignment(context.Context, Entity, Assignment) error {
	return ErrAssignmentsAreDeclarative
}

func (p *Policy) ListAssignments(context.Context, Entity) ([]Assignment, error) {
	return nil, ErrAssignmentsAreDeclarative
}

func (p *Policy) SetManagedAccess(context.Context, Entity, bool) error {
	return ErrAssignmentsAreDeclarative
}

func (p *Policy) OnEntityCreated(context.Context, Entity, Actor) error { return nil }
func (p *Policy) OnEntityDeleted(context.Context, Entity) error        { return nil }
