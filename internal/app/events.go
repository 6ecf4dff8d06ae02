package app

import "encoding/json"

// Event types sent to stream clients as JSON text messages.
const (
	eventReady   = "ready"
	eventChunk   = "chunk"
	eventSegment = "segment"
	eventError   = "error"
	eventDone    = "done"
)

// Control message types accepted from stream clients.
const (
	controlReset = "reset"
	controlEnd   = "end"
)

// readyEvent is sent when a stream is accepted and after every reset.
type readyEvent struct {
	Type       string `json:"type"`
	StreamID   string `json:"stream_id"`
	Mode       string `json:"mode"`
	SampleRate int    `json:"sample_rate"`
	ChunkSize  int    `json:"chunk_size"`
}

// chunkEvent reports one labeled chunk.
type chunkEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Label   string `json:"label"`
	Start   int    `json:"start"`
	Samples int    `json:"samples"`
}

// segmentEvent reports one speech segment. Audio is base64 PCM16 LE when
// output.include_audio is set.
type segmentEvent struct {
	Type       string `json:"type"`
	Index      int    `json:"index"`
	Start      int    `json:"start"`
	Samples    int    `json:"samples"`
	DurationMs int64  `json:"duration_ms"`
	Audio      []byte `json:"audio,omitempty"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// Chunk is the index of the chunk whose prediction failed, if any.
	Chunk *int `json:"chunk,omitempty"`
}

type doneEvent struct {
	Type     string `json:"type"`
	Chunks   int    `json:"chunks"`
	Segments int    `json:"segments"`
}

type controlMessage struct {
	Type string `json:"type"`
}

func parseControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
