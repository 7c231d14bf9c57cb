package state

import "fmt"

// DefaultAdvanceMinutes is the clock step applied when the extractor
// yields no usable delta.
const DefaultAdvanceMinutes = 10

// WorldTime is the in-world clock.
type WorldTime struct {
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Clock reads the world_time subtree.
func (s State) Clock() WorldTime {
	wt := s.subtree("world_time")
	return WorldTime{
		Day:    asInt(wt["day"], 1),
		Hour:   asInt(wt["hour"], 8),
		Minute: asInt(wt["minute"], 0),
	}
}

func (s State) setClock(wt WorldTime) {
	sub := s.subtree("world_time")
	sub["day"] = wt.Day
	sub["hour"] = wt.Hour
	sub["minute"] = wt.Minute
}

// TimelineTag renders the clock as the human-readable tag used across
// memory nodes and logs.
func (s State) TimelineTag() string {
	wt := s.Clock()
	return fmt.Sprintf("Day %d, %02d:%02d", wt.Day, wt.Hour, wt.Minute)
}

// TimeOfDay bands an hour: [5,7) dawn, [7,12) morning, [12,17) afternoon,
// [17,20) evening, else night.
func TimeOfDay(hour int) string {
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

// AdvanceClock returns a copy advanced by the given minutes, carrying
// across hour and day boundaries, with scene.time_of_day rebanded.
func (s State) AdvanceClock(minutes int) State {
	out := s.Clone()
	wt := out.Clock()

	wt.Minute += minutes
	for wt.Minute >= 60 {
		wt.Minute -= 60
		wt.Hour++
	}
	for wt.Hour >= 24 {
		wt.Hour -= 24
		wt.Day++
	}

	out.setClock(wt)
	out.subtree("scene")["time_of_day"] = TimeOfDay(wt.Hour)
	return out
}
