package state

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// Typed mirror of the state document, used only to reflect the JSON
// schema embedded in the extractor prompt. The live document stays a
// generic tree (see State) so merges never drop unknown keys.

type playerSchema struct {
	Name          string   `json:"name"`
	HP            int      `json:"hp"`
	MaxHP         int      `json:"max_hp"`
	MP            int      `json:"mp"`
	MaxMP         int      `json:"max_mp"`
	StatusEffects []string `json:"status_effects"`
}

type skillSchema struct {
	Level       int    `json:"level"`
	Exp         int    `json:"exp"`
	Description string `json:"description"`
}

type itemSchema struct {
	Type        string `json:"type"`
	Count       int    `json:"count"`
	Equipped    bool   `json:"equipped"`
	Description string `json:"description"`
}

type relationshipSchema struct {
	Relation     string   `json:"关系"`
	RecentEvents []string `json:"近期事件"`
	Personality  string   `json:"性格备注"`
}

type sceneSchema struct {
	Location    string   `json:"location"`
	SubLocation string   `json:"sub_location"`
	Atmosphere  string   `json:"atmosphere"`
	Weather     string   `json:"weather"`
	TimeOfDay   string   `json:"time_of_day" jsonschema:"enum=dawn,enum=morning,enum=afternoon,enum=evening,enum=night"`
	NPCsPresent []string `json:"npcs_present"`
}

type worldTimeSchema struct {
	Day    int `json:"day" jsonschema:"minimum=1"`
	Hour   int `json:"hour" jsonschema:"minimum=0,maximum=23"`
	Minute int `json:"minute" jsonschema:"minimum=0,maximum=59"`
}

type personaSchema struct {
	CurrentMood string `json:"current_mood"`
	SpeechStyle string `json:"speech_style"`
}

type documentSchema struct {
	Player          playerSchema                  `json:"player"`
	Skills          map[string]skillSchema        `json:"skills"`
	Inventory       map[string]itemSchema         `json:"inventory"`
	Relationships   map[string]relationshipSchema `json:"relationships"`
	Scene           sceneSchema                   `json:"scene"`
	WorldTime       worldTimeSchema               `json:"world_time"`
	NarratorPersona personaSchema                 `json:"narrator_persona"`
}

var (
	schemaOnce sync.Once
	schemaJSON string
)

// SchemaJSON returns the reflected state schema as indented JSON. The
// extractor prompt embeds it so the status model sees the exact shape a
// delta must take.
func SchemaJSON() string {
	schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := reflector.Reflect(&documentSchema{})
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			schemaJSON = "{}"
			return
		}
		schemaJSON = string(data)
	})
	return schemaJSON
}
