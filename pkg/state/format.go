package state

import (
	"fmt"
	"strings"
)

// AtmosphereStyles maps the scene atmosphere to narrator style guidance.
var AtmosphereStyles = map[string]string{
	"紧张": "短句为主，动词密集，节奏紧凑，少用形容词",
	"战斗": "动作描写密集，紧张刺激，可有痛感和血腥描写",
	"浪漫": "感官细节丰富，节奏舒缓，注重情感流动和氛围营造",
	"亲密": "大胆露骨，感官描写详尽，不回避任何细节",
	"诡异": "暗示性描写，营造不安和悬疑，多用隐喻",
	"恐怖": "压迫感，未知的恐惧，感官上的不适",
	"悲伤": "内省基调，关注内心感受，节奏放缓",
	"轻松": "自然对话，可以有幽默，节奏轻快",
	"日常": "生活化描写，细节真实，对话自然",
}

// AtmosphereStyle returns the style line for an atmosphere, defaulting to
// plain narration.
func AtmosphereStyle(atmosphere string) string {
	if style, ok := AtmosphereStyles[atmosphere]; ok {
		return style
	}
	return "正常叙事风格"
}

// FormatPlayerStatus renders "HP: x/y | MP: a/b | 状态: …".
func (s State) FormatPlayerStatus() string {
	player := s.subtree("player")

	hp := asInt(player["hp"], 100)
	maxHP := asInt(player["max_hp"], 100)
	mp := asInt(player["mp"], 0)
	maxMP := asInt(player["max_mp"], 0)
	effects := asStringSlice(player["status_effects"])

	parts := []string{fmt.Sprintf("HP: %d/%d", hp, maxHP)}
	if maxMP > 0 {
		parts = append(parts, fmt.Sprintf("MP: %d/%d", mp, maxMP))
	}
	if len(effects) > 0 {
		parts = append(parts, "状态: "+strings.Join(effects, ", "))
	}
	return strings.Join(parts, " | ")
}

// FormatRelationships renders the prose relationship block, three most
// recent events per character.
func (s State) FormatRelationships() string {
	rels := s.subtree("relationships")
	if len(rels) == 0 {
		return "暂无已建立的人物关系"
	}

	var lines []string
	for _, name := range sortedKeys(rels) {
		info, ok := rels[name].(map[string]any)
		if !ok {
			// Legacy numeric affinity.
			lines = append(lines, fmt.Sprintf("【%s】关系值: %v", name, rels[name]))
			continue
		}

		relation := asString(info[RelKeyRelation], "未知")
		events := asStringSlice(info[RelKeyEvents])
		personality := asString(info[RelKeyPersonality], "")

		line := fmt.Sprintf("【%s】%s", name, relation)
		if len(events) > 0 {
			if len(events) > 3 {
				events = events[len(events)-3:]
			}
			line += "\n  近期: " + strings.Join(events, "; ")
		}
		if personality != "" {
			line += "\n  备注: " + personality
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatSkills renders the skill list.
func (s State) FormatSkills() string {
	skills := s.subtree("skills")
	if len(skills) == 0 {
		return "暂无技能"
	}

	var lines []string
	for _, name := range sortedKeys(skills) {
		info, ok := skills[name].(map[string]any)
		if !ok {
			lines = append(lines, fmt.Sprintf("- %s: %v", name, skills[name]))
			continue
		}
		level := asInt(info["level"], 1)
		exp := asInt(info["exp"], 0)
		desc := asString(info["description"], "")

		line := fmt.Sprintf("- %s Lv.%d (经验: %d/100)", name, level, exp)
		if desc != "" {
			line += " - " + desc
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatInventory renders equipped items first, then the rest.
func (s State) FormatInventory() string {
	inventory := s.subtree("inventory")
	if len(inventory) == 0 {
		return "背包为空"
	}

	var equipped, items []string
	for _, name := range sortedKeys(inventory) {
		info, ok := inventory[name].(map[string]any)
		if !ok {
			items = append(items, "- "+name)
			continue
		}

		count := asInt(info["count"], 1)
		desc := asString(info["description"], "")
		isEquipped, _ := info["equipped"].(bool)

		itemStr := name
		if count > 1 {
			itemStr = fmt.Sprintf("%s x%d", name, count)
		}
		if desc != "" {
			itemStr += " (" + desc + ")"
		}

		if isEquipped {
			equipped = append(equipped, "[装备中] "+itemStr)
		} else {
			items = append(items, "- "+itemStr)
		}
	}

	all := append(equipped, items...)
	if len(all) == 0 {
		return "背包为空"
	}
	return strings.Join(all, "\n")
}

// FormatSkillsAndItems combines the two blocks for the director prompt.
func (s State) FormatSkillsAndItems() string {
	return "【技能】\n" + s.FormatSkills() + "\n\n【物品】\n" + s.FormatInventory()
}

// SceneInfo is the extracted scene summary handed to the prompts.
type SceneInfo struct {
	Location    string
	Atmosphere  string
	Weather     string
	TimeOfDay   string
	NPCsPresent string
}

// Scene extracts the scene block, combining location and sub-location.
func (s State) Scene() SceneInfo {
	scene := s.subtree("scene")

	location := asString(scene["location"], "未知")
	if sub := asString(scene["sub_location"], ""); sub != "" {
		location = location + " - " + sub
	}

	npcs := asStringSlice(scene["npcs_present"])
	npcsText := "无"
	if len(npcs) > 0 {
		npcsText = strings.Join(npcs, ", ")
	}

	return SceneInfo{
		Location:    location,
		Atmosphere:  asString(scene["atmosphere"], "日常"),
		Weather:     asString(scene["weather"], ""),
		TimeOfDay:   asString(scene["time_of_day"], ""),
		NPCsPresent: npcsText,
	}
}

// FormatPersonaVoice renders the narrator persona block.
func (s State) FormatPersonaVoice() string {
	persona := s.subtree("narrator_persona")
	mood := asString(persona["current_mood"], "平静")
	style := asString(persona["speech_style"], "正常")
	return fmt.Sprintf("当前心情: %s\n说话风格: %s", mood, style)
}
