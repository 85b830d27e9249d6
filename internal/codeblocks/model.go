package codeblocks

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
var ErrInvalidBlockID = errors.New("codeblocks: invalid block id")

// BlockID represents a validated code block identifier.
type BlockID string

// NewBlockID validates raw input and returns a BlockID.
func NewBlockID(rawInput string) (BlockID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBlockID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBlockID, maxIdentifierLength)
	}
	return BlockID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BlockID) String() string {
	return string(id)
}

// CodeBlock is a coding exercise with starter code and its reference solution.
// Column names follow the camelCase layout of the seeded codeblocks table.
type CodeBlock struct {
	BlockID     string `gorm:"column:blockId;primaryKey;type:text;not null" json:"blockId" mapstructure:"blockId"`
	Title       string `gorm:"column:title;type:text" json:"title" mapstructure:"title"`
	Code        string `gorm:"column:code;type:text" json:"code" mapstructure:"code"`
	CorrectCode string `gorm:"column:correctCode;type:text" json:"correctCode" mapstructure:"correctCode"`
}

// TableName provides the explicit table binding for GORM.
func (CodeBlock) TableName() string {
	return "codeblocks"
}

// Summary is the listing projection of a code block.
type Summary struct {
	ID    string `gorm:"column:id" json:"id"`
	Title string `gorm:"column:title" json:"title"`
}
