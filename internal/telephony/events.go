package telephony

// EventKind enumerates the recognised event-stream event kinds (spec.md
// §4.2). Any other kind is logged and dropped by the consumer.
type EventKind string

const (
	EventNewChannel          EventKind = "NewChannel"
	EventChannelStateChange  EventKind = "ChannelStateChange"
	EventChannelHangupReq    EventKind = "ChannelHangupRequest"
	EventChannelDestroyed    EventKind = "Destroyed"
	EventPlaybackStarted     EventKind = "PlaybackStarted"
	EventPlaybackFinished    EventKind = "PlaybackFinished"
	EventRecordingFinished   EventKind = "RecordingFinished"
	EventRecordingFailed     EventKind = "RecordingFailed"
	EventDial                EventKind = "Dial"
)

// Event is the decoded shape of a single wire event. Not every field is
// populated for every Kind.
type Event struct {
	Kind EventKind `json:"kind"`

	ChannelID   string `json:"channelId,omitempty"`
	Direction   string `json:"direction,omitempty"` // "inbound" | "outbound"
	State       string `json:"state,omitempty"`     // ringing, answered, ...
	CauseCode   int    `json:"causeCode,omitempty"`

	PlaybackID string `json:"playbackId,omitempty"`
	MediaKey   string `json:"mediaKey,omitempty"`

	RecordingID   string `json:"recordingId,omitempty"`
	RecordingPath string `json:"recordingPath,omitempty"`

	CallerNumber string `json:"callerNumber,omitempty"`
	DialedNumber string `json:"dialedNumber,omitempty"`
}
