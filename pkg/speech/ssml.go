package speech

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Voice is the synthesis voice and its prosody.
type Voice struct {
	Name  string `mapstructure:"voice"`
	Rate  string `mapstructure:"rate"`
	Pitch string `mapstructure:"pitch"`
	// Lang defaults to the locale prefix of Name.
	Lang string `mapstructure:"lang"`
}

func DefaultVoice() Voice {
	return Voice{Name: "pt-BR-FranciscaNeural", Rate: "0%", Pitch: "0%", Lang: "pt-BR"}
}

// Locale is Lang, or the locale prefix of the voice name.
func (v Voice) Locale() string {
	if v.Lang != "" {
		return v.Lang
	}
	parts := strings.SplitN(v.Name, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "pt-BR"
}

// Clean strips markup brackets so user or backend text cannot inject SSML.
func Clean(text string) string {
	return strings.TrimSpace(strings.NewReplacer("<", "", ">", "").Replace(text))
}

// BuildSSML wraps cleaned text in a speak document for v.
func BuildSSML(text string, v Voice) string {
	var body bytes.Buffer
	_ = xml.EscapeText(&body, []byte(text))

	var sb strings.Builder
	sb.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="`)
	sb.WriteString(attr(v.Locale()))
	sb.WriteString(`">`)
	if v.Name != "" {
		sb.WriteString(`<voice name="` + attr(v.Name) + `">`)
	}
	rate, pitch := v.Rate, v.Pitch
	if rate == "" {
		rate = "0%"
	}
	if pitch == "" {
		pitch = "0%"
	}
	sb.WriteString(`<prosody rate="` + attr(rate) + `" pitch="` + attr(pitch) + `">`)
	sb.Write(body.Bytes())
	sb.WriteString(`</prosody>`)
	if v.Name != "" {
		sb.WriteString(`</voice>`)
	}
	sb.WriteString(`</speak>`)
	return sb.String()
}

func attr(v string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(v))
	return b.String()
}
