package calc

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// State is the persisted state of one calculated field. The set of
// implementations is closed: *SimpleState, *ScriptState and
// *GeofencingState.
type State interface {
	Kind() types.FieldType
	Base() *BaseState
	Clone() State
	isState()
}

// BaseState holds what every state variant carries
type BaseState struct {
	FieldID      uuid.UUID                 `json:"fieldId"`
	Arguments    map[string]*ArgumentEntry `json:"arguments"`
	Result       map[string]any            `json:"result,omitempty"`
	LastUpdateTs int64                     `json:"lastUpdateTs"`
	Version      int64                     `json:"version"`
}

func (b *BaseState) cloneBase() BaseState {
	c := *b
	c.Arguments = make(map[string]*ArgumentEntry, len(b.Arguments))
	for k, v := range b.Arguments {
		c.Arguments[k] = v.Clone()
	}
	if b.Result != nil {
		c.Result = make(map[string]any, len(b.Result))
		for k, v := range b.Result {
			c.Result[k] = v
		}
	}
	return c
}

// apply merges incoming argument entries and reports whether any changed
func (b *BaseState) apply(values map[string]*ArgumentEntry) (bool, error) {
	if b.Arguments == nil {
		b.Arguments = make(map[string]*ArgumentEntry)
	}

	changed := false
	for _, name := range sortedKeys(values) {
		next := values[name]
		cur, ok := b.Arguments[name]
		if !ok {
			b.Arguments[name] = next.Clone()
			changed = true
			continue
		}
		updated, err := cur.update(next)
		if err != nil {
			return false, err
		}
		changed = changed || updated
	}
	return changed, nil
}

// ready reports whether every configured argument has a usable value
func (b *BaseState) ready(f *types.CalculatedField) bool {
	for name := range f.Arguments {
		if b.Arguments[name].IsEmpty() {
			return false
		}
	}
	return true
}

// SimpleState is the state of an expression field
type SimpleState struct {
	BaseState
}

func (s *SimpleState) Kind() types.FieldType { return types.FieldTypeSimple }
func (s *SimpleState) Base() *BaseState      { return &s.BaseState }
func (s *SimpleState) Clone() State          { return &SimpleState{BaseState: s.cloneBase()} }
func (s *SimpleState) isState()              {}

// ScriptState is the state of a Lua script field
type ScriptState struct {
	BaseState
}

func (s *ScriptState) Kind() types.FieldType { return types.FieldTypeScript }
func (s *ScriptState) Base() *BaseState      { return &s.BaseState }
func (s *ScriptState) Clone() State          { return &ScriptState{BaseState: s.cloneBase()} }
func (s *ScriptState) isState()              {}

// ZoneMembership is the last evaluated presence of the entity in one zone
type ZoneMembership struct {
	Group  string `json:"group"`
	Inside bool   `json:"inside"`
	Since  int64  `json:"since"`
}

// GroupStatus is the last evaluated presence of the entity in a zone group
type GroupStatus struct {
	Inside bool  `json:"inside"`
	Since  int64 `json:"since"`
}

// GeofencingState is the state of a geofencing field
type GeofencingState struct {
	BaseState
	Zones                  map[uuid.UUID]ZoneMembership `json:"zones,omitempty"`
	Groups                 map[string]GroupStatus       `json:"groups,omitempty"`
	LastScheduledRefreshTs int64                        `json:"lastScheduledRefreshTs"`
	RefreshInterval        time.Duration                `json:"refreshInterval"`
}

func (s *GeofencingState) Kind() types.FieldType { return types.FieldTypeGeofencing }
func (s *GeofencingState) Base() *BaseState      { return &s.BaseState }
func (s *GeofencingState) isState()              {}

func (s *GeofencingState) Clone() State {
	c := &GeofencingState{
		BaseState:              s.cloneBase(),
		LastScheduledRefreshTs: s.LastScheduledRefreshTs,
		RefreshInterval:        s.RefreshInterval,
	}
	if s.Zones != nil {
		c.Zones = make(map[uuid.UUID]ZoneMembership, len(s.Zones))
		for k, v := range s.Zones {
			c.Zones[k] = v
		}
	}
	if s.Groups != nil {
		c.Groups = make(map[string]GroupStatus, len(s.Groups))
		for k, v := range s.Groups {
			c.Groups[k] = v
		}
	}
	return c
}

// RefreshDue reports whether a scheduled refresh should run at now. The
// condition is level-triggered: it stays true until a refresh advances
// LastScheduledRefreshTs.
func (s *GeofencingState) RefreshDue(now time.Time) bool {
	if s.RefreshInterval <= 0 || s.LastScheduledRefreshTs == 0 {
		return false
	}
	return now.UnixMilli()-s.LastScheduledRefreshTs >= s.RefreshInterval.Milliseconds()
}

// markRefreshed advances LastScheduledRefreshTs, never moving it backwards
func (s *GeofencingState) markRefreshed(now time.Time) {
	if ts := now.UnixMilli(); ts > s.LastScheduledRefreshTs {
		s.LastScheduledRefreshTs = ts
	}
}

// NewState returns an empty state of the field's variant
func NewState(f *types.CalculatedField) (State, error) {
	base := BaseState{FieldID: f.ID, Arguments: make(map[string]*ArgumentEntry)}
	switch f.Type {
	case types.FieldTypeSimple:
		return &SimpleState{BaseState: base}, nil
	case types.FieldTypeScript:
		return &ScriptState{BaseState: base}, nil
	case types.FieldTypeGeofencing:
		return &GeofencingState{BaseState: base, RefreshInterval: f.ScheduledUpdateInterval}, nil
	default:
		return nil, fmt.Errorf("unsupported calculated field type %q", f.Type)
	}
}

type envelope struct {
	Kind  types.FieldType `json:"kind"`
	State json.RawMessage `json:"state"`
}

// EncodeState serializes a state into its tagged JSON envelope
func EncodeState(s State) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s state: %w", s.Kind(), err)
	}
	return json.Marshal(envelope{Kind: s.Kind(), State: raw})
}

// DecodeState parses a tagged JSON envelope
func DecodeState(data []byte) (State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state envelope: %w", err)
	}

	var s State
	switch env.Kind {
	case types.FieldTypeSimple:
		s = &SimpleState{}
	case types.FieldTypeScript:
		s = &ScriptState{}
	case types.FieldTypeGeofencing:
		s = &GeofencingState{}
	default:
		return nil, fmt.Errorf("unknown state kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.State, s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s state: %w", env.Kind, err)
	}
	if s.Base().Arguments == nil {
		s.Base().Arguments = make(map[string]*ArgumentEntry)
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
