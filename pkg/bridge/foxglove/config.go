package foxglove

const stateSchema = `{
  "type": "object",
  "properties": {
    "session": { "type": "string" },
    "seq": { "type": "integer" },
    "ts": { "type": "string" },
    "trackers": { "type": "array" },
    "buttons": { "type": "array", "items": { "type": "boolean" } },
    "valuators": { "type": "array", "items": { "type": "number" } }
  },
  "required": ["seq", "trackers", "buttons", "valuators"]
}`

const frameTransformsSchema = `{
  "type": "object",
  "properties": {
    "transforms": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "timestamp": { "type": "object", "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } } },
          "parent_frame_id": { "type": "string" },
          "child_frame_id": { "type": "string" },
          "translation": { "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" } } },
          "rotation": { "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" }, "w": { "type": "number" } } }
        }
      }
    }
  }
}`

const markerSchema = `{
  "type": "object",
  "properties": {
    "header": { "type": "object" },
    "ns": { "type": "string" },
    "id": { "type": "integer" },
    "type": { "type": "integer" },
    "action": { "type": "integer" },
    "pose": { "type": "object" },
    "scale": { "type": "object" },
    "color": { "type": "object" }
  }
}`

type Config struct {
	WSAddr        string
	Name          string
	ParentFrameID string
	FrameID       string
	SendBuf       int

	HeadTopic   string
	StateTopic  string
	MarkerTopic string
}

func DefaultConfig() Config {
	return Config{
		WSAddr:        "127.0.0.1:8765",
		Name:          "vruitrack",
		ParentFrameID: "world",
		FrameID:       "head",
		SendBuf:       256,
		HeadTopic:     "/tf",
		StateTopic:    "/vrui/state",
		MarkerTopic:   "/vrui/head_marker",
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = def.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ParentFrameID == "" {
		cfg.ParentFrameID = def.ParentFrameID
	}
	if cfg.FrameID == "" {
		cfg.FrameID = def.FrameID
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
	if cfg.HeadTopic == "" {
		cfg.HeadTopic = def.HeadTopic
	}
	if cfg.StateTopic == "" {
		cfg.StateTopic = def.StateTopic
	}
	if cfg.MarkerTopic == "" {
		cfg.MarkerTopic = def.MarkerTopic
	}
	return cfg
}
