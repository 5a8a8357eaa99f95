package dto

type ExecuteRequest struct {
	ClientID        string   `json:"client_id"`
	RequestID       string   `json:"request_id"`
	Prompt          string   `json:"prompt"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	UseMCP          bool     `json:"use_mcp,omitempty"`
}

type InterveneRequest struct {
	Text            string   `json:"text"`
	User            string   `json:"user"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
}
