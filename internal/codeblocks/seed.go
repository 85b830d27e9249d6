package codeblocks

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const seedBlocksKey = "blocks"

// LoadSeedFile reads code blocks from a YAML, JSON or TOML file shaped as
// {"blocks": [{"blockId": ..., "title": ..., "code": ..., "correctCode": ...}]}.
func LoadSeedFile(path string) ([]CodeBlock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("codeblocks: seed file path is required")
	}

	seedViper := viper.New()
	seedViper.SetConfigFile(path)
	if err := seedViper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("codeblocks: read seed file: %w", err)
	}

	var blocks []CodeBlock
	if err := seedViper.UnmarshalKey(seedBlocksKey, &blocks); err != nil {
		return nil, fmt.Errorf("codeblocks: decode seed file: %w", err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("codeblocks: seed file %s contains no blocks", path)
	}

	seen := make(map[string]struct{}, len(blocks))
	for index, block := range blocks {
		blockID, err := NewBlockID(block.BlockID)
		if err != nil {
			return nil, fmt.Errorf("codeblocks: seed block %d: %w", index, err)
		}
		if _, duplicate := seen[blockID.String()]; duplicate {
			return nil, fmt.Errorf("codeblocks: seed block %d: duplicate blockId %q", index, blockID)
		}
		seen[blockID.String()] = struct{}{}
		blocks[index].BlockID = blockID.String()
	}

	return blocks, nil
}
