package escalation

import (
	"time"

	"github.com/trapsight/backend/internal/database"
)

// MaxLevel is the terminal escalation level.
const MaxLevel = 5

// presetMinutes maps preset -> minutes from trigger until each of levels
// 2..5. Level 1 is the initial notification at trigger time.
var presetMinutes = map[string][4]int{
	database.PresetRelaxed:    {120, 240, 480, 720},
	database.PresetNormal:     {60, 120, 240, 480},
	database.PresetAggressive: {30, 60, 120, 240},
}

// repeatInterval is the within-level reminder cadence. Level 1 never
// repeats; the first reminder is the advance to level 2.
var repeatInterval = map[int]time.Duration{
	2: 30 * time.Minute,
	3: 15 * time.Minute,
	4: 10 * time.Minute,
	5: 5 * time.Minute,
}

// Signal is the device-side buzzer/LED pattern for a level.
type Signal struct {
	Buzzer string
	LED    string
}

// signalForLevel is the physical signaling table devices honor.
var signalForLevel = map[int]Signal{
	1: {Buzzer: "off", LED: "solid_red"},
	2: {Buzzer: "single_beep", LED: "slow_blink"},
	3: {Buzzer: "triple_beep", LED: "fast_blink"},
	4: {Buzzer: "continuous_short", LED: "rapid_blink"},
	5: {Buzzer: "continuous", LED: "rapid_flash"},
}

// minutesToLevel resolves the trigger-to-level delay for the preferences.
// Custom presets fall back to normal for any level they do not override.
func minutesToLevel(prefs *database.NotificationPreferences, level int) int {
	normal := presetMinutes[database.PresetNormal]
	if level < 2 || level > MaxLevel {
		return 0
	}
	idx := level - 2

	if prefs == nil {
		return normal[idx]
	}
	switch prefs.Preset {
	case database.PresetCustom:
		if m, ok := prefs.CustomMinutes[level]; ok && m > 0 {
			return m
		}
		return normal[idx]
	case database.PresetRelaxed, database.PresetAggressive, database.PresetNormal:
		return presetMinutes[prefs.Preset][idx]
	default:
		return normal[idx]
	}
}

// levelDue computes the highest level reached at now for an alert
// triggered at triggeredAt.
func levelDue(prefs *database.NotificationPreferences, triggeredAt, now time.Time) int {
	level := 1
	for l := 2; l <= MaxLevel; l++ {
		due := triggeredAt.Add(time.Duration(minutesToLevel(prefs, l)) * time.Minute)
		if !now.Before(due) {
			level = l
		}
	}
	return level
}

// levelAt returns the wall time a level becomes due.
func levelAt(prefs *database.NotificationPreferences, triggeredAt time.Time, level int) time.Time {
	return triggeredAt.Add(time.Duration(minutesToLevel(prefs, level)) * time.Minute)
}
