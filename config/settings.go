package config

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// CoordinateFrame names one of the handful of axis conventions a server can
// declare (its wire and JSON representation is the small integer code the
// original viewer's CoordinateFrame enum assigns); the core treats it as an
// opaque tag broadcast to handlers.
type CoordinateFrame uint8

// ServerInfo is the first-class configuration a stream or live connection
// announces, per spec.md §6.6.
type ServerInfo struct {
	CoordinateFrame        CoordinateFrame `json:"coordinate_frame"`
	TimeUnitUs             uint32          `json:"time_unit_us"`
	DefaultFrameTimeUnits  uint32          `json:"default_frame_time_units"`
}

// PlaybackSettings configures a StreamThread's replay behaviour.
type PlaybackSettings struct {
	Looping              bool    `json:"looping"`
	PlaybackSpeed        float64 `json:"playback_speed"`
	AllowKeyframes       bool    `json:"allow_keyframes"`
	KeyframeEveryFrames  uint32  `json:"keyframe_every_frames"`
	KeyframeEveryMiB     float64 `json:"keyframe_every_mib"`
	KeyframeMinSeparation uint32 `json:"keyframe_min_separation"`
}

const playbackSettingsSchema = `{
  "type": "object",
  "properties": {
    "looping": {"type": "boolean"},
    "playback_speed": {"type": "number", "minimum": 0.01, "maximum": 20},
    "allow_keyframes": {"type": "boolean"},
    "keyframe_every_frames": {"type": "integer", "minimum": 0},
    "keyframe_every_mib": {"type": "number", "minimum": 0},
    "keyframe_min_separation": {"type": "integer", "minimum": 0}
  },
  "required": ["playback_speed"]
}`

const serverInfoSchema = `{
  "type": "object",
  "properties": {
    "coordinate_frame": {"type": "integer", "minimum": 0},
    "time_unit_us": {"type": "integer", "minimum": 1},
    "default_frame_time_units": {"type": "integer", "minimum": 0}
  },
  "required": ["coordinate_frame", "time_unit_us"]
}`

// ValidationError reports a configuration document that failed its schema.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %d validation issue(s): %v", len(e.Issues), e.Issues)
}

func validateAgainstSchema(schema string, doc []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	docLoader := gojsonschema.NewBytesLoader(doc)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return &ValidationError{Issues: issues}
}

// ParseServerInfo validates and decodes a ServerInfo JSON document.
func ParseServerInfo(doc []byte) (ServerInfo, error) {
	var info ServerInfo
	if err := validateAgainstSchema(serverInfoSchema, doc); err != nil {
		return info, err
	}
	if err := json.Unmarshal(doc, &info); err != nil {
		return info, err
	}
	return info, nil
}

// ParsePlaybackSettings validates and decodes a PlaybackSettings JSON document.
func ParsePlaybackSettings(doc []byte) (PlaybackSettings, error) {
	var settings PlaybackSettings
	if err := validateAgainstSchema(playbackSettingsSchema, doc); err != nil {
		return settings, err
	}
	if err := json.Unmarshal(doc, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// DefaultPlaybackSettings mirrors the original viewer's defaults: no
// looping, real-time speed, keyframing enabled with conservative intervals.
func DefaultPlaybackSettings() PlaybackSettings {
	return PlaybackSettings{
		Looping:               false,
		PlaybackSpeed:         1.0,
		AllowKeyframes:        true,
		KeyframeEveryFrames:   500,
		KeyframeEveryMiB:      4,
		KeyframeMinSeparation: 50,
	}
}
