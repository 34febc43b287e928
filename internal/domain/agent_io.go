package domain

// AgentInput is the content-addressed set of variables/messages fed into a
// Version's prompt template for one completion.
type AgentInput struct {
	ID        string            `json:"id"`
	Variables map[string]any    `json:"variables,omitempty"`
	Messages  []Message         `json:"messages,omitempty"`
	Preview   string            `json:"preview"`
}

type agentInputContentForHash struct {
	Variables map[string]any `json:"variables,omitempty"`
	Messages  []Message      `json:"messages,omitempty"`
}

// ComputeID derives and sets the AgentInput's content-address ID.
func (a *AgentInput) ComputeID() string {
	a.ID = HashContent(agentInputContentForHash{Variables: a.Variables, Messages: a.Messages})
	return a.ID
}

// ComputePreview builds a short human-readable preview ("key=value " for each
// string variable, then the message text), cut to maxLen bytes as a whole,
// for display in list views without fetching full content.
func (a *AgentInput) ComputePreview(maxLen int) {
	a.Preview = buildPreview(a.Variables, a.Messages, maxLen)
}

// AgentOutput is the content-addressed result of one completion: the
// resolved messages, or an error string if the run failed.
type AgentOutput struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages,omitempty"`
	Error    string    `json:"error,omitempty"`
	Preview  string    `json:"preview"`
}

type agentOutputContentForHash struct {
	Messages []Message `json:"messages,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ComputeID derives and sets the AgentOutput's content-address ID.
func (a *AgentOutput) ComputeID() string {
	a.ID = HashContent(agentOutputContentForHash{Messages: a.Messages, Error: a.Error})
	return a.ID
}

func (a *AgentOutput) ComputePreview(maxLen int) {
	a.Preview = buildPreview(nil, a.Messages, maxLen)
}

func buildPreview(vars map[string]any, messages []Message, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 280
	}
	var out string
	for k, v := range vars {
		out += k + "=" + toPreviewString(v) + " "
	}
	for _, m := range messages {
		out += m.Text()
	}
	if len(out) > maxLen {
		return out[:maxLen]
	}
	return out
}

func toPreviewString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}
