// Package state implements the world-state merge engine: an LLM-driven delta
// extraction step folded into the current state via a recursive deep merge,
// with legacy-field migration and a deterministic time-advance fallback when
// the extractor's output can't be parsed. Grounded on
// backend_manager.py's _task_status_update/_deep_merge_state/_advance_time_default.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/store"
)

const promptStatusUpdate = `You are tracking the full game/world state of an ongoing roleplay as JSON.

Current state:
%s

Most recent exchange:
User: %s
Narrator: %s

Reply with JSON only, shaped as:
{"timeline_tag": "Day <n>, HH:MM", "state": { ...only the fields that changed... }}

"relationships" entries are keyed by NPC name, each an object with exactly the keys
关系 (string, prose relationship description), 近期事件 (array of strings), and
性格备注 (string, free-form personality notes) — never collapse these to a scalar.

Only include fields in "state" that actually changed this turn. Omit unchanged fields
entirely rather than repeating them.`

// defaultState is the structural skeleton every loaded state is migrated
// against; missing top-level and nested sections are backfilled from this.
func defaultState() map[string]any {
	return map[string]any{
		"player": map[string]any{
			"name": "Player", "hp": 100.0, "max_hp": 100.0, "mp": 50.0, "max_mp": 50.0,
			"status_effects": []any{},
		},
		"skills":        map[string]any{},
		"inventory":     map[string]any{},
		"relationships": map[string]any{},
		"scene": map[string]any{
			"location": "unknown", "sub_location": "", "atmosphere": "ordinary",
			"weather": "clear", "time_of_day": "morning", "npcs_present": []any{},
		},
		"world_time": map[string]any{"day": 1.0, "hour": 8.0, "minute": 0.0},
		"narrator_persona": map[string]any{
			"current_mood": "calm", "speech_style": "neutral",
		},
	}
}

// Engine applies turn deltas to a session's world state.
type Engine struct {
	store    *store.CoreStore
	provider llminterface.Provider
	model    string
}

// New builds a state engine bound to a core store and the status-update LLM role.
func New(st *store.CoreStore, provider llminterface.Provider, model string) *Engine {
	return &Engine{store: st, provider: provider, model: model}
}

// Current loads and structurally migrates the latest state for a session,
// returning the default skeleton if none has been saved yet.
func (e *Engine) Current(ctx context.Context, sessionUUID string) (map[string]any, error) {
	raw, ok, err := e.store.CurrentWorldState(ctx, sessionUUID)
	if err != nil {
		return nil, fmt.Errorf("state: load current: %w", err)
	}
	current := defaultState()
	if ok {
		var loaded map[string]any
		if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
			log.Log.Warnf("[State] stored state unparseable, resetting to defaults: %v", err)
		} else {
			current = ensureStructure(loaded)
		}
	}
	return current, nil
}

// Advance runs the status-update task for one turn: it asks the LLM for a
// state delta, deep-merges it into the current state, and persists a new
// snapshot. On any parse failure it falls back to a deterministic 10-minute
// clock advance so the story time never stalls.
func (e *Engine) Advance(ctx context.Context, sessionUUID string, messageID int64, userInput, narratorOutput string) (timelineTag string, err error) {
	current, err := e.Current(ctx, sessionUUID)
	if err != nil {
		return "", err
	}

	currentJSON, _ := json.MarshalIndent(current, "", "  ")
	prompt := fmt.Sprintf(promptStatusUpdate, string(currentJSON), userInput, narratorOutput)

	resp, llmErr := e.provider.ChatCompletion(ctx, e.model, []llminterface.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if llmErr != nil {
		log.Log.Warnf("[State] status model call failed, advancing clock by default: %v", llmErr)
		return e.advanceDefault(ctx, sessionUUID, messageID, current)
	}

	var parsed struct {
		TimelineTag string         `json:"timeline_tag"`
		State       map[string]any `json:"state"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Content)), &parsed); err != nil || len(parsed.State) == 0 {
		log.Log.Warnf("[State] status delta unparseable, advancing clock by default")
		return e.advanceDefault(ctx, sessionUUID, messageID, current)
	}

	newState := deepMerge(current, parsed.State)

	tag := parsed.TimelineTag
	if wt, ok := parsed.State["world_time"].(map[string]any); ok {
		tag = formatTimelineTag(wt)
	}
	if scene, ok := newState["scene"].(map[string]any); ok {
		if wt, ok := newState["world_time"].(map[string]any); ok {
			scene["time_of_day"] = timeOfDay(int(toFloat(wt["hour"])))
		}
	}

	stateJSON, err := json.Marshal(newState)
	if err != nil {
		return "", fmt.Errorf("state: encode new state: %w", err)
	}
	if _, err := e.store.SaveWorldState(ctx, sessionUUID, messageID, string(stateJSON)); err != nil {
		return "", fmt.Errorf("state: save: %w", err)
	}

	logChanges(current, newState)
	log.Log.Infof("[State] advanced to %s", tag)
	return tag, nil
}

func (e *Engine) advanceDefault(ctx context.Context, sessionUUID string, messageID int64, current map[string]any) (string, error) {
	wt, ok := current["world_time"].(map[string]any)
	if !ok {
		wt = map[string]any{"day": 1.0, "hour": 8.0, "minute": 0.0}
	}
	day := int(toFloat(wt["day"]))
	hour := int(toFloat(wt["hour"]))
	minute := int(toFloat(wt["minute"])) + 10
	if minute >= 60 {
		minute -= 60
		hour++
	}
	if hour >= 24 {
		hour -= 24
		day++
	}
	wt["day"], wt["hour"], wt["minute"] = float64(day), float64(hour), float64(minute)
	current["world_time"] = wt
	if scene, ok := current["scene"].(map[string]any); ok {
		scene["time_of_day"] = timeOfDay(hour)
	}

	stateJSON, err := json.Marshal(current)
	if err != nil {
		return "", fmt.Errorf("state: encode default-advanced state: %w", err)
	}
	if _, err := e.store.SaveWorldState(ctx, sessionUUID, messageID, string(stateJSON)); err != nil {
		return "", fmt.Errorf("state: save default-advanced: %w", err)
	}
	tag := fmt.Sprintf("Day %d, %02d:%02d", day, hour, minute)
	log.Log.Infof("[State] default time advance to %s", tag)
	return tag, nil
}

// deepMerge recursively merges update into base: nested maps merge
// key-by-key, lists and scalars are replaced wholesale by the incoming
// value. base is not mutated; a new map is returned.
func deepMerge(base, update map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for key, value := range update {
		if baseVal, ok := result[key]; ok {
			baseMap, baseIsMap := baseVal.(map[string]any)
			updateMap, updateIsMap := value.(map[string]any)
			if baseIsMap && updateIsMap {
				result[key] = deepMerge(baseMap, updateMap)
				continue
			}
		}
		result[key] = value
	}
	return result
}

// ensureStructure backfills any missing top-level/nested sections against
// the default skeleton, migrating state rows saved before a schema addition.
func ensureStructure(loaded map[string]any) map[string]any {
	if hp, ok := loaded["hp"].(float64); ok {
		if _, has := loaded["player"]; !has {
			loaded["player"] = map[string]any{"hp": hp}
		}
		delete(loaded, "hp")
	}
	if items, ok := loaded["inventory"].([]any); ok {
		inv := make(map[string]any, len(items))
		for _, it := range items {
			inv[fmt.Sprint(it)] = map[string]any{"type": "item", "count": 1.0}
		}
		loaded["inventory"] = inv
	}
	if _, ok := loaded["world_time"].(string); ok {
		delete(loaded, "world_time")
	}
	return deepMerge(defaultState(), loaded)
}

func timeOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 7:
		return "dawn"
	case hour >= 7 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 20:
		return "evening"
	default:
		return "night"
	}
}

func formatTimelineTag(wt map[string]any) string {
	day := int(toFloat(wt["day"]))
	hour := int(toFloat(wt["hour"]))
	minute := int(toFloat(wt["minute"]))
	if day == 0 {
		day = 1
	}
	return fmt.Sprintf("Day %d, %02d:%02d", day, hour, minute)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// cleanJSON strips an optional markdown code-fence wrapper a chat model may
// add around its JSON reply.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// logChanges emits one structured line per notable delta (HP, relationships,
// inventory, skill level-ups, atmosphere) — ambient observability only,
// nothing here is persisted beyond the snapshot itself.
func logChanges(old, new map[string]any) {
	var changes []string

	oldPlayer, _ := old["player"].(map[string]any)
	newPlayer, _ := new["player"].(map[string]any)
	oldHP, newHP := toFloat(oldPlayer["hp"]), toFloat(newPlayer["hp"])
	if oldHP != newHP {
		diff := newHP - oldHP
		sign := ""
		if diff > 0 {
			sign = "+"
		}
		changes = append(changes, fmt.Sprintf("HP: %.0f -> %.0f (%s%.0f)", oldHP, newHP, sign, diff))
	}

	oldRels, _ := old["relationships"].(map[string]any)
	newRels, _ := new["relationships"].(map[string]any)
	for name, v := range newRels {
		newEntry, _ := v.(map[string]any)
		if _, existed := oldRels[name]; !existed {
			changes = append(changes, fmt.Sprintf("new relationship: %s (%v)", name, newEntry["关系"]))
			continue
		}
		oldEntry, _ := oldRels[name].(map[string]any)
		if fmt.Sprint(oldEntry["关系"]) != fmt.Sprint(newEntry["关系"]) {
			changes = append(changes, fmt.Sprintf("relationship updated: %s -> %v", name, newEntry["关系"]))
		}
	}

	oldInv, _ := old["inventory"].(map[string]any)
	newInv, _ := new["inventory"].(map[string]any)
	for item := range newInv {
		if _, existed := oldInv[item]; !existed {
			changes = append(changes, fmt.Sprintf("gained item: %s", item))
		}
	}
	for item := range oldInv {
		if _, still := newInv[item]; !still {
			changes = append(changes, fmt.Sprintf("lost item: %s", item))
		}
	}

	oldSkills, _ := old["skills"].(map[string]any)
	newSkills, _ := new["skills"].(map[string]any)
	for skill, v := range newSkills {
		newSkillMap, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if oldSkillMap, existed := oldSkills[skill].(map[string]any); existed {
			oldLvl, newLvl := toFloat(oldSkillMap["level"]), toFloat(newSkillMap["level"])
			if newLvl > oldLvl {
				changes = append(changes, fmt.Sprintf("skill up: %s Lv.%.0f -> Lv.%.0f", skill, oldLvl, newLvl))
			}
		} else {
			changes = append(changes, fmt.Sprintf("learned skill: %s", skill))
		}
	}

	oldScene, _ := old["scene"].(map[string]any)
	newScene, _ := new["scene"].(map[string]any)
	oldAtm := fmt.Sprint(oldScene["atmosphere"])
	newAtm := fmt.Sprint(newScene["atmosphere"])
	if oldAtm != newAtm && newAtm != "" {
		changes = append(changes, fmt.Sprintf("atmosphere: %s -> %s", oldAtm, newAtm))
	}

	if len(changes) > 0 {
		log.Log.Infof("[State] changes: %s", strings.Join(changes, " | "))
	}
}
