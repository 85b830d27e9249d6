package session

import "github.com/MarcoPoloResearchLab/codeblocks/internal/codeblocks"

// Client to server events.
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventCodeChange = "codeChange"
)

// Server to client events.
const (
	EventRole       = "role"
	EventError      = "error"
	EventCodeUpdate = "codeUpdate"
)

type JoinRequest struct {
	BlockID string `json:"blockId"`
}

type LeaveRequest struct {
	Role    Role   `json:"role"`
	BlockID string `json:"blockId"`
}

type CodeChangeRequest struct {
	Code    string `json:"code"`
	BlockID string `json:"blockId"`
}

type RolePayload struct {
	Role  Role                 `json:"role"`
	Block codeblocks.CodeBlock `json:"block"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type CodeUpdatePayload struct {
	Code      string `json:"code"`
	IsCorrect bool   `json:"isCorrect"`
}
