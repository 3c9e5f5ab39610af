package openairt

// Realtime API wire types, client to server.

type clientEvent struct {
	Type    string            `json:"type"`
	Session *sessionSettings  `json:"session,omitempty"`
	Audio   string            `json:"audio,omitempty"`
	Item    *conversationItem `json:"item,omitempty"`
}

type sessionSettings struct {
	Modalities        []string      `json:"modalities,omitempty"`
	Instructions      string        `json:"instructions,omitempty"`
	Voice             string        `json:"voice,omitempty"`
	InputAudioFormat  string        `json:"input_audio_format,omitempty"`
	OutputAudioFormat string        `json:"output_audio_format,omitempty"`
	Temperature       float64       `json:"temperature,omitempty"`
	Tools             []sessionTool `json:"tools,omitempty"`
}

type sessionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Server to client. One struct covers every event type the engine handles;
// unknown types fall through the dispatch default.
type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Text       string       `json:"text,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
