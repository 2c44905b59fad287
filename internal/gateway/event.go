// Package gateway builds and delivers MediaMetadata events to the Alexa
// Event Gateway.
package gateway

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// NamespaceMediaMetadata is the event namespace for recording metadata.
	NamespaceMediaMetadata = "Alexa.MediaMetadata"
	// NameMediaCreatedOrUpdated announces a new or updated recording.
	NameMediaCreatedOrUpdated = "MediaCreatedOrUpdated"
	// CauseMotionDetected is the cause reported for every camera clip.
	CauseMotionDetected = "MOTION_DETECTED"
	// payloadVersion is fixed by the Smart Home event schema.
	payloadVersion = "3"
)

// Event is the wire form posted to the gateway.
type Event struct {
	Event EventBody `json:"event"`
}

// EventBody carries the event header, the authorizing endpoint and payload.
type EventBody struct {
	Header   Header   `json:"header"`
	Endpoint Endpoint `json:"endpoint"`
	Payload  Payload  `json:"payload"`
}

// Header identifies the event type and instance.
type Header struct {
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	MessageID      string `json:"messageId"`
	PayloadVersion string `json:"payloadVersion"`
}

// Endpoint names the camera endpoint and carries its bearer token scope.
type Endpoint struct {
	Scope      Scope  `json:"scope"`
	EndpointID string `json:"endpointId"`
}

// Scope is the bearer token authorization for the endpoint.
type Scope struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Payload wraps the media description.
type Payload struct {
	Media Media `json:"media"`
}

// Media describes one recording.
type Media struct {
	ID        string         `json:"id"`
	Cause     string         `json:"cause"`
	Recording MediaRecording `json:"recording"`
}

// MediaRecording is the recording's metadata including its playback URI.
type MediaRecording struct {
	Name       string   `json:"name"`
	StartTime  string   `json:"startTime"`
	EndTime    string   `json:"endTime"`
	VideoCodec string   `json:"videoCodec"`
	AudioCodec string   `json:"audioCodec"`
	URI        MediaURI `json:"uri"`
}

// MediaURI is a time-limited playback location.
type MediaURI struct {
	Value      string `json:"value"`
	ExpireTime string `json:"expireTime"`
}

// Clip is what the pipeline knows about one converted recording.
type Clip struct {
	MediaID    string
	Name       string
	StartTime  string // camera index timestamp, sub-second precision
	StopTime   string
	URI        string
	URIExpires time.Time
}

// NewMediaCreatedOrUpdated builds the event announcing a clip. Each call gets
// a fresh message ID; everything else is deterministic from the inputs.
func NewMediaCreatedOrUpdated(accessToken, endpointID string, clip Clip) Event {
	return Event{Event: EventBody{
		Header: Header{
			Namespace:      NamespaceMediaMetadata,
			Name:           NameMediaCreatedOrUpdated,
			MessageID:      uuid.NewString(),
			PayloadVersion: payloadVersion,
		},
		Endpoint: Endpoint{
			Scope:      Scope{Type: "BearerToken", Token: accessToken},
			EndpointID: endpointID,
		},
		Payload: Payload{Media: Media{
			ID:    clip.MediaID,
			Cause: CauseMotionDetected,
			Recording: MediaRecording{
				Name:       clip.Name,
				StartTime:  WireTime(clip.StartTime),
				EndTime:    WireTime(clip.StopTime),
				VideoCodec: "H264",
				AudioCodec: "NONE",
				URI: MediaURI{
					Value:      clip.URI,
					ExpireTime: ExpireTime(clip.URIExpires),
				},
			},
		}},
	}}
}

// WireTime truncates a camera index timestamp to second precision and marks
// it UTC, e.g. "2024-06-01 01:02:03.123" -> "2024-06-01 01:02:03Z".
func WireTime(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	return s + "Z"
}

// ExpireTime renders a URI expiry with second precision and a trailing Z.
func ExpireTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + "Z"
}
