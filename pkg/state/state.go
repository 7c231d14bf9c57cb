// Package state owns the structured world state: the document schema and
// its defaults, normalization of legacy blobs, the deep-merge applied to
// LLM-extracted deltas, the world clock, and the snapshot/rollback engine.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// State is the nested world-state document. It stays a generic tree so
// partial updates deep-merge without dropping keys the schema does not
// name; the typed mirror in schema.go exists for prompt generation only.
type State map[string]any

// Relationship field keys. The original presets and prompts use Chinese
// keys, kept verbatim so existing saves and prompts keep working.
const (
	RelKeyRelation    = "关系"
	RelKeyEvents      = "近期事件"
	RelKeyPersonality = "性格备注"
)

// Default returns the initial state template.
func Default() State {
	return State{
		"player": map[string]any{
			"name":           "Player",
			"hp":             100,
			"max_hp":         100,
			"mp":             50,
			"max_mp":         50,
			"status_effects": []any{},
		},
		"skills":        map[string]any{},
		"inventory":     map[string]any{},
		"relationships": map[string]any{},
		"scene": map[string]any{
			"location":     "未知地点",
			"sub_location": "",
			"atmosphere":   "日常",
			"weather":      "晴朗",
			"time_of_day":  "morning",
			"npcs_present": []any{},
		},
		"world_time": map[string]any{
			"day":    1,
			"hour":   8,
			"minute": 0,
		},
		"narrator_persona": map[string]any{
			"current_mood": "平静",
			"speech_style": "正常",
		},
	}
}

// NewInitial returns the default state with the player name set.
func NewInitial(userName string) State {
	s := Default()
	if userName != "" {
		s.subtree("player")["name"] = userName
	}
	return s
}

// Parse decodes a state blob. Empty or invalid input yields the default
// template; every result is normalized.
func Parse(stateJSON string) State {
	var s State
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &s); err != nil {
			s = nil
		}
	}
	if s == nil {
		s = State{}
	}
	return Normalize(s)
}

// JSON encodes the state for storage.
func (s State) JSON() string {
	data, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Clone deep-copies through JSON, which the document round-trips by
// construction.
func (s State) Clone() State {
	data, err := json.Marshal(s)
	if err != nil {
		return Default()
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return Default()
	}
	return out
}

// Normalize fills every missing subtree from the default template and
// migrates legacy flat saves: scalar hp, list inventory, scalar location,
// and string world_time.
func Normalize(s State) State {
	out := s.Clone()
	if out == nil {
		out = State{}
	}

	// Legacy flat fields move before the defaults fill, so an old blob
	// keeps its values instead of being shadowed by the template.
	if hp, ok := out["hp"]; ok {
		player, isMap := out["player"].(map[string]any)
		if !isMap {
			player = map[string]any{}
			out["player"] = player
		}
		player["hp"] = hp
		delete(out, "hp")
	}

	if loc, ok := out["location"].(string); ok {
		scene, isMap := out["scene"].(map[string]any)
		if !isMap {
			scene = map[string]any{}
			out["scene"] = scene
		}
		scene["location"] = loc
		delete(out, "location")
	}

	if inv, ok := out["inventory"].([]any); ok {
		converted := map[string]any{}
		for _, item := range inv {
			if name, isStr := item.(string); isStr {
				converted[name] = map[string]any{"type": "item", "count": 1}
			}
		}
		out["inventory"] = converted
	}

	if _, ok := out["world_time"].(string); ok {
		delete(out, "world_time")
	}

	for key, value := range Default() {
		current, exists := out[key]
		if !exists {
			out[key] = value
			continue
		}
		defMap, defIsMap := value.(map[string]any)
		curMap, curIsMap := current.(map[string]any)
		if !defIsMap {
			continue
		}
		if !curIsMap {
			out[key] = value
			continue
		}
		for subKey, subValue := range defMap {
			if _, ok := curMap[subKey]; !ok {
				curMap[subKey] = subValue
			}
		}
	}

	return out
}

// DeepMerge applies a partial update over base: maps recurse, lists are
// replaced wholesale, scalars overwrite. Neither input is mutated.
func DeepMerge(base State, update map[string]any) State {
	out := base.Clone()
	mergeMaps(out, update)
	return out
}

func mergeMaps(dst map[string]any, src map[string]any) {
	for key, value := range src {
		existing, ok := dst[key]
		if ok {
			dstMap, dstIsMap := existing.(map[string]any)
			srcMap, srcIsMap := value.(map[string]any)
			if dstIsMap && srcIsMap {
				mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = cloneValue(value)
	}
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// subtree returns the named map child, creating it if absent or of the
// wrong shape.
func (s State) subtree(key string) map[string]any {
	if m, ok := s[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	s[key] = m
	return m
}

// asInt coerces the numeric shapes a JSON round trip produces.
func asInt(v any, fallback int) int {
	switch typed := v.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func asString(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, isStr := item.(string); isStr {
			out = append(out, s)
		}
	}
	return out
}

// sortedKeys gives deterministic iteration for formatting and diffs.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff summarizes the user-visible changes between two states: HP delta,
// relationship adds/updates, inventory gains/losses, new skills and
// level-ups, atmosphere shifts. Returns nil when nothing notable changed.
func Diff(old, new State) []string {
	var changes []string

	oldPlayer := old.subtree("player")
	newPlayer := new.subtree("player")
	oldHP := asInt(oldPlayer["hp"], 100)
	newHP := asInt(newPlayer["hp"], 100)
	if oldHP != newHP {
		delta := newHP - oldHP
		sign := ""
		if delta > 0 {
			sign = "+"
		}
		changes = append(changes, fmt.Sprintf("HP: %d → %d (%s%d)", oldHP, newHP, sign, delta))
	}

	oldRels := old.subtree("relationships")
	newRels := new.subtree("relationships")
	for _, name := range sortedKeys(newRels) {
		oldVal, existed := oldRels[name]
		if !existed {
			changes = append(changes, "新关系: "+name)
		} else if fmt.Sprint(newRels[name]) != fmt.Sprint(oldVal) {
			changes = append(changes, "关系更新: "+name)
		}
	}

	oldInv := old.subtree("inventory")
	newInv := new.subtree("inventory")
	for _, item := range sortedKeys(newInv) {
		if _, ok := oldInv[item]; !ok {
			changes = append(changes, "获得物品: "+item)
		}
	}
	for _, item := range sortedKeys(oldInv) {
		if _, ok := newInv[item]; !ok {
			changes = append(changes, "失去物品: "+item)
		}
	}

	oldSkills := old.subtree("skills")
	newSkills := new.subtree("skills")
	for _, skill := range sortedKeys(newSkills) {
		oldVal, existed := oldSkills[skill]
		if !existed {
			changes = append(changes, "习得技能: "+skill)
			continue
		}
		newInfo, newIsMap := newSkills[skill].(map[string]any)
		oldInfo, oldIsMap := oldVal.(map[string]any)
		if newIsMap && oldIsMap {
			oldLvl := asInt(oldInfo["level"], 1)
			newLvl := asInt(newInfo["level"], 1)
			if newLvl > oldLvl {
				changes = append(changes, fmt.Sprintf("技能升级: %s Lv.%d → Lv.%d", skill, oldLvl, newLvl))
			}
		}
	}

	oldAtm := asString(old.subtree("scene")["atmosphere"], "")
	newAtm := asString(new.subtree("scene")["atmosphere"], "")
	if newAtm != "" && oldAtm != newAtm {
		changes = append(changes, fmt.Sprintf("氛围变化: %s → %s", oldAtm, newAtm))
	}

	return changes
}

// DiffSummary joins a diff into one log-friendly line.
func DiffSummary(changes []string) string {
	return strings.Join(changes, " | ")
}
