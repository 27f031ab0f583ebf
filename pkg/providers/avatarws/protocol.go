package avatarws

import "github.com/harunnryd/avatar/pkg/adapters/synthesis"

// Control messages exchanged with the avatar service.
const (
	typeConfigure         = "configure"
	typeOffer             = "offer"
	typeAnswer            = "answer"
	typeSpeak             = "speak"
	typeStop              = "stop"
	typePing              = "ping"
	typePong              = "pong"
	typeError             = "error"
	typeSpeakingStarted   = "speaking_started"
	typeSpeakingCompleted = "speaking_completed"
	typeSpeakingCanceled  = "speaking_canceled"
	typeSpeakingFailed    = "speaking_failed"
)

type message struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	SDP       string         `json:"sdp,omitempty"`
	SSML      string         `json:"ssml,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Message   string         `json:"message,omitempty"`
	Avatar    *avatarMessage `json:"avatar,omitempty"`
}

type avatarMessage struct {
	Character       string        `json:"character"`
	Style           string        `json:"style,omitempty"`
	Voice           string        `json:"voice,omitempty"`
	BackgroundColor string        `json:"background_color,omitempty"`
	Video           *videoMessage `json:"video,omitempty"`
}

type videoMessage struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Bitrate int    `json:"bitrate,omitempty"`
	Codec   string `json:"codec,omitempty"`
	Crop    *crop  `json:"crop,omitempty"`
}

type crop struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func avatarPayload(cfg synthesis.AvatarConfig) *avatarMessage {
	out := &avatarMessage{
		Character:       cfg.Character,
		Style:           cfg.Style,
		Voice:           cfg.Voice,
		BackgroundColor: cfg.BackgroundColor,
	}
	v := cfg.Video
	if v != (synthesis.VideoFraming{}) {
		out.Video = &videoMessage{Width: v.Width, Height: v.Height, Bitrate: v.Bitrate, Codec: v.Codec}
		if v.CropRight > v.CropLeft && v.CropBottom > v.CropTop {
			out.Video.Crop = &crop{Left: v.CropLeft, Top: v.CropTop, Right: v.CropRight, Bottom: v.CropBottom}
		}
	}
	return out
}
