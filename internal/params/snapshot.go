// Package params builds the parameter snapshot a run starts with: the
// user's active config bindings unioned with DSL-declared bindings, each
// resolved to concrete records and scope-matched against the run's context.
package params

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// ScopeContext is the run's specificity context. Empty fields simply never
// match their scope level.
type ScopeContext struct {
	Commodity string `json:"commodity,omitempty"`
	Region    string `json:"region,omitempty"`
	Route     string `json:"route,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
}

func (sc ScopeContext) valueFor(level dsl.ScopeLevel) (string, bool) {
	switch level {
	case dsl.ScopeCommodity:
		return sc.Commodity, sc.Commodity != ""
	case dsl.ScopeRegion:
		return sc.Region, sc.Region != ""
	case dsl.ScopeRoute:
		return sc.Route, sc.Route != ""
	case dsl.ScopeStrategy:
		return sc.Strategy, sc.Strategy != ""
	default:
		return "", false
	}
}

// Snapshot is the resolved parameter state for one run.
type Snapshot struct {
	Params     map[string]any   `json:"params"`
	Agents     []map[string]any `json:"agentProfiles,omitempty"`
	RulePacks  []map[string]any `json:"rulePacks,omitempty"`
	Connectors []map[string]any `json:"dataConnectors,omitempty"`
	Unresolved []string         `json:"unresolvedBindings,omitempty"`
}

// Document renders the snapshot as the stored paramSnapshot object. Every
// parameter also appears unprefixed at the top level for direct reference.
func (s *Snapshot) Document() map[string]any {
	doc := make(map[string]any, len(s.Params)+5)
	for k, v := range s.Params {
		doc[k] = v
	}
	doc["params"] = s.Params
	if len(s.Agents) > 0 {
		doc["agentProfiles"] = s.Agents
	}
	if len(s.RulePacks) > 0 {
		doc["rulePacks"] = s.RulePacks
	}
	if len(s.Connectors) > 0 {
		doc["dataConnectors"] = s.Connectors
	}
	if len(s.Unresolved) > 0 {
		doc["unresolvedBindings"] = s.Unresolved
	}
	return doc
}

// Builder resolves bindings against the catalog.
type Builder struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(s store.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: s, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// binding is one ordered resolution target.
type binding struct {
	Type     dsl.BindingType
	TargetID string
}

// Build resolves the run's parameter snapshot. Same-key conflicts resolve
// as: later-bound parameter sets override earlier ones; within one set,
// more specific scope wins (later item on ties); session overrides from the
// trigger payload always win. Unresolved binding targets are reported, not
// fatal.
func (b *Builder) Build(ctx context.Context, userID string, doc *dsl.WorkflowDsl, scope ScopeContext, sessionOverrides map[string]any) (*Snapshot, error) {
	bindings, err := b.gatherBindings(ctx, userID, doc)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Params: make(map[string]any)}
	hasSession := len(sessionOverrides) > 0
	for _, bnd := range bindings {
		switch bnd.Type {
		case dsl.BindingParameterSet:
			b.resolveParameterSet(ctx, userID, bnd.TargetID, scope, hasSession, snap)
		case dsl.BindingAgentProfile:
			b.resolveCatalogEntry(ctx, userID, bnd, &snap.Agents, snap)
		case dsl.BindingRulePack:
			b.resolveCatalogEntry(ctx, userID, bnd, &snap.RulePacks, snap)
		case dsl.BindingConnector:
			b.resolveCatalogEntry(ctx, userID, bnd, &snap.Connectors, snap)
		}
	}

	for k, v := range sessionOverrides {
		snap.Params[k] = v
	}

	sort.Strings(snap.Unresolved)
	return snap, nil
}

// gatherBindings unions the user's active bindings (ordered by type and
// position) with DSL-declared ones, deduplicated by (type, target).
func (b *Builder) gatherBindings(ctx context.Context, userID string, doc *dsl.WorkflowDsl) ([]binding, error) {
	active, err := b.store.ListActiveBindings(ctx, userID)
	if err != nil {
		return nil, dsl.NewErrorf(dsl.CodeStore, "list active bindings: %s", err.Error()).WithCause(err)
	}

	var ordered []binding
	seen := make(map[string]bool)
	add := func(t dsl.BindingType, target string) {
		key := string(t) + "/" + target
		if target == "" || seen[key] {
			return
		}
		seen[key] = true
		ordered = append(ordered, binding{Type: t, TargetID: target})
	}

	for _, cb := range active {
		add(cb.Type, cb.TargetID)
	}
	if doc != nil {
		for _, id := range doc.AgentBindings {
			add(dsl.BindingAgentProfile, id)
		}
		for _, id := range doc.ParamSetBindings {
			add(dsl.BindingParameterSet, id)
		}
		for _, id := range doc.DataConnectorBindings {
			add(dsl.BindingConnector, id)
		}
	}
	return ordered, nil
}

// resolveParameterSet merges one set's scope-matched items into the
// accumulated params. Missing, inactive or invisible sets are reported as
// unresolved.
func (b *Builder) resolveParameterSet(ctx context.Context, userID, setID string, scope ScopeContext, hasSession bool, snap *Snapshot) {
	set, err := b.store.GetParameterSet(ctx, setID)
	if err != nil {
		b.logger.Warn("parameter set lookup failed", "set_id", setID, "error", err)
		snap.Unresolved = append(snap.Unresolved, setID)
		return
	}
	if set == nil || !set.Active || (set.OwnerUserID != userID && !set.Public) {
		snap.Unresolved = append(snap.Unresolved, setID)
		return
	}

	items, err := b.store.ListParameterItems(ctx, set.ID)
	if err != nil {
		b.logger.Warn("parameter item listing failed", "set_id", setID, "error", err)
		snap.Unresolved = append(snap.Unresolved, setID)
		return
	}

	// Within one set, the most specific matching scope wins per key; a
	// later item wins ties so authors can append corrections.
	best := make(map[string]*store.ParameterItem)
	for _, item := range items {
		if !b.itemApplies(item, scope, hasSession) {
			continue
		}
		if prev, ok := best[item.Key]; ok && prev.ScopeLevel.Rank() > item.ScopeLevel.Rank() {
			continue
		}
		best[item.Key] = item
	}

	for key, item := range best {
		var val any
		if err := json.Unmarshal(item.Value, &val); err != nil {
			b.logger.Warn("parameter value is not valid JSON, keeping raw string",
				"set_id", setID, "key", key)
			val = string(item.Value)
		}
		snap.Params[key] = val
	}
}

// itemApplies checks an item's scope and effectivity window against the
// run's context. SESSION items only apply to runs that actually carry
// session overrides; a run without session context must resolve the same
// values as any other stored-scope run.
func (b *Builder) itemApplies(item *store.ParameterItem, scope ScopeContext, hasSession bool) bool {
	now := b.now()
	if item.EffectiveFrom != nil && now.Before(*item.EffectiveFrom) {
		return false
	}
	if item.EffectiveTo != nil && !now.Before(*item.EffectiveTo) {
		return false
	}

	switch item.ScopeLevel {
	case dsl.ScopeGlobal, "":
		return true
	case dsl.ScopeSession:
		return hasSession
	default:
		val, ok := scope.valueFor(item.ScopeLevel)
		return ok && item.ScopeValue == val
	}
}

func (b *Builder) resolveCatalogEntry(ctx context.Context, userID string, bnd binding, into *[]map[string]any, snap *Snapshot) {
	entry, err := b.store.FindCatalogEntry(ctx, bnd.TargetID, userID)
	if err != nil {
		b.logger.Warn("catalog entry lookup failed", "target_id", bnd.TargetID, "error", err)
		snap.Unresolved = append(snap.Unresolved, bnd.TargetID)
		return
	}
	if entry == nil {
		snap.Unresolved = append(snap.Unresolved, bnd.TargetID)
		return
	}

	record := map[string]any{
		"id":   entry.ID,
		"name": entry.Name,
	}
	if len(entry.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(entry.Payload, &payload); err == nil {
			record["payload"] = payload
		}
	}
	*into = append(*into, record)
}
