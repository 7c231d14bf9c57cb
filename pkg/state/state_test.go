package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyYieldsDefaults(t *testing.T) {
	s := Parse("")

	assert.Equal(t, "Day 1, 08:00", s.TimelineTag())
	assert.Equal(t, "HP: 100/100 | MP: 50/50", s.FormatPlayerStatus())
	assert.Equal(t, "未知地点", s.Scene().Location)
	assert.Equal(t, "日常", s.Scene().Atmosphere)
}

func TestParseInvalidJSONYieldsDefaults(t *testing.T) {
	s := Parse("{not json")
	assert.Equal(t, "Day 1, 08:00", s.TimelineTag())
}

func TestNormalizeFillsMissingSubtrees(t *testing.T) {
	s := Parse(`{"player":{"name":"Alice","hp":42}}`)

	// Provided values survive, siblings fill from the template.
	player := s["player"].(map[string]any)
	assert.Equal(t, "Alice", player["name"])
	assert.Equal(t, 42, asInt(player["hp"], 0))
	assert.Equal(t, 100, asInt(player["max_hp"], 0))

	// Absent subtrees fill wholesale.
	require.Contains(t, s, "scene")
	require.Contains(t, s, "world_time")
	require.Contains(t, s, "narrator_persona")
}

func TestNormalizeMigratesLegacyFlatFields(t *testing.T) {
	legacy := `{"hp": 37, "location": "旧酒馆", "inventory": ["铁剑", "面包"], "world_time": "Day 1, 08:00"}`
	s := Parse(legacy)

	player := s["player"].(map[string]any)
	assert.Equal(t, 37, asInt(player["hp"], 0))
	assert.NotContains(t, s, "hp")

	scene := s["scene"].(map[string]any)
	assert.Equal(t, "旧酒馆", scene["location"])

	inv := s["inventory"].(map[string]any)
	require.Contains(t, inv, "铁剑")
	sword := inv["铁剑"].(map[string]any)
	assert.Equal(t, "item", sword["type"])
	assert.Equal(t, 1, asInt(sword["count"], 0))

	// String clock resets to the default.
	assert.Equal(t, WorldTime{Day: 1, Hour: 8, Minute: 0}, s.Clock())
}

func TestDeepMergeSemantics(t *testing.T) {
	base := Parse(`{
		"player": {"name": "Alice", "hp": 100, "status_effects": ["poisoned"]},
		"inventory": {"sword": {"type": "weapon", "count": 1}}
	}`)

	update := map[string]any{
		"player": map[string]any{
			"hp":             float64(80),
			"status_effects": []any{"burned"},
		},
		"inventory": map[string]any{
			"potion": map[string]any{"type": "item", "count": float64(2)},
		},
	}

	merged := DeepMerge(base, update)

	player := merged["player"].(map[string]any)
	// Scalar overwrite.
	assert.Equal(t, 80, asInt(player["hp"], 0))
	// Untouched siblings survive the recursion.
	assert.Equal(t, "Alice", player["name"])
	// Lists replace wholesale.
	assert.Equal(t, []string{"burned"}, asStringSlice(player["status_effects"]))

	// Maps merge, never delete.
	inv := merged["inventory"].(map[string]any)
	assert.Contains(t, inv, "sword")
	assert.Contains(t, inv, "potion")

	// Top-level subtrees absent from the update are untouched.
	assert.Contains(t, merged, "scene")

	// Inputs are not mutated.
	basePlayer := base["player"].(map[string]any)
	assert.Equal(t, 100, asInt(basePlayer["hp"], 0))
}

func TestAdvanceClockCarry(t *testing.T) {
	tests := []struct {
		name    string
		start   WorldTime
		minutes int
		want    WorldTime
		wantTOD string
	}{
		{"plain", WorldTime{1, 8, 0}, 10, WorldTime{1, 8, 10}, "morning"},
		{"hour carry", WorldTime{1, 8, 55}, 10, WorldTime{1, 9, 5}, "morning"},
		{"day carry", WorldTime{1, 23, 55}, 10, WorldTime{2, 0, 5}, "night"},
		{"into dawn", WorldTime{3, 4, 55}, 10, WorldTime{3, 5, 5}, "dawn"},
		{"into evening", WorldTime{1, 16, 55}, 10, WorldTime{1, 17, 5}, "evening"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			s.setClock(tt.start)

			advanced := s.AdvanceClock(tt.minutes)

			assert.Equal(t, tt.want, advanced.Clock())
			assert.Equal(t, tt.wantTOD, advanced.Scene().TimeOfDay)
		})
	}
}

func TestTimeOfDayBands(t *testing.T) {
	assert.Equal(t, "night", TimeOfDay(0))
	assert.Equal(t, "night", TimeOfDay(4))
	assert.Equal(t, "dawn", TimeOfDay(5))
	assert.Equal(t, "dawn", TimeOfDay(6))
	assert.Equal(t, "morning", TimeOfDay(7))
	assert.Equal(t, "morning", TimeOfDay(11))
	assert.Equal(t, "afternoon", TimeOfDay(12))
	assert.Equal(t, "afternoon", TimeOfDay(16))
	assert.Equal(t, "evening", TimeOfDay(17))
	assert.Equal(t, "evening", TimeOfDay(19))
	assert.Equal(t, "night", TimeOfDay(20))
	assert.Equal(t, "night", TimeOfDay(23))
}

func TestTimelineTagFormat(t *testing.T) {
	s := Default()
	s.setClock(WorldTime{Day: 12, Hour: 7, Minute: 5})
	assert.Equal(t, "Day 12, 07:05", s.TimelineTag())
}

func TestDiffReportsNotableChanges(t *testing.T) {
	old := Parse(`{
		"player": {"hp": 100},
		"relationships": {"Bob": {"关系": "陌生人"}},
		"inventory": {"sword": {"type": "weapon", "count": 1}},
		"skills": {"swordplay": {"level": 1}},
		"scene": {"atmosphere": "日常"}
	}`)
	new := Parse(`{
		"player": {"hp": 80},
		"relationships": {"Bob": {"关系": "敌人"}, "Carol": {"关系": "朋友"}},
		"inventory": {"potion": {"type": "item", "count": 1}},
		"skills": {"swordplay": {"level": 2}, "alchemy": {"level": 1}},
		"scene": {"atmosphere": "紧张"}
	}`)

	changes := Diff(old, new)
	joined := DiffSummary(changes)

	assert.Contains(t, joined, "HP: 100 → 80 (-20)")
	assert.Contains(t, joined, "关系更新: Bob")
	assert.Contains(t, joined, "新关系: Carol")
	assert.Contains(t, joined, "获得物品: potion")
	assert.Contains(t, joined, "失去物品: sword")
	assert.Contains(t, joined, "习得技能: alchemy")
	assert.Contains(t, joined, "技能升级: swordplay Lv.1 → Lv.2")
	assert.Contains(t, joined, "氛围变化: 日常 → 紧张")
}

func TestDiffEmptyForIdenticalStates(t *testing.T) {
	s := Default()
	assert.Empty(t, Diff(s, s.Clone()))
}

func TestStateJSONRoundTrip(t *testing.T) {
	s := Default()
	s.subtree("player")["hp"] = 73

	reparsed := Parse(s.JSON())
	assert.Equal(t, 73, asInt(reparsed.subtree("player")["hp"], 0))
	assert.Equal(t, s.TimelineTag(), reparsed.TimelineTag())
}

func TestAtmosphereStyleFallback(t *testing.T) {
	assert.NotEmpty(t, AtmosphereStyle("战斗"))
	assert.Equal(t, "正常叙事风格", AtmosphereStyle("不存在的氛围"))
}

func TestSchemaJSONReflects(t *testing.T) {
	schema := SchemaJSON()
	assert.Contains(t, schema, `"world_time"`)
	assert.Contains(t, schema, `"relationships"`)
	assert.Contains(t, schema, `"关系"`)
}
