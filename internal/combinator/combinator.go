// Package combinator turns an ordered block layout into the full list of
// concatenation plans, one per element of the Cartesian product of the
// blocks' videos.
package combinator

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bobarin/hookscale/internal/models"
	"github.com/google/uuid"
)

const (
	// DefaultMaxCombinations caps the product of block sizes for a single job.
	DefaultMaxCombinations = 10000

	// DefaultMaxBlocksPerRole caps how many blocks may share one role.
	DefaultMaxBlocksPerRole = 5

	// filenamePartLen is how much of an original filename survives into an output name.
	filenamePartLen = 15
)

var (
	ErrNoBlocks             = errors.New("at least 1 block required")
	ErrEmptyBlock           = errors.New("block needs at least 1 video")
	ErrUnknownRole          = errors.New("unknown block type")
	ErrTooManyBlocksForRole = errors.New("too many blocks of the same type")
	ErrTooManyCombinations  = errors.New("too many combinations")
)

// VideoRef is the part of a source video the enumerator needs.
type VideoRef struct {
	ID       uuid.UUID
	Filename string
}

// Block is a structural slot together with its videos, in upload order.
type Block struct {
	models.Block
	Videos []VideoRef
}

// Plan is one combination to render: one video per block, in block order.
type Plan struct {
	Ordinal        int
	VideoIDs       []uuid.UUID
	OutputFilename string
}

// Count returns the product of the block sizes. It stops multiplying as soon
// as the product exceeds limit so huge layouts can't overflow.
func Count(blocks []Block, limit int) (int, error) {
	if len(blocks) == 0 {
		return 0, ErrNoBlocks
	}
	if limit <= 0 {
		limit = DefaultMaxCombinations
	}

	total := 1
	for _, b := range blocks {
		if len(b.Videos) == 0 {
			return 0, fmt.Errorf("block %q: %w", b.Label(), ErrEmptyBlock)
		}
		total *= len(b.Videos)
		if total > limit {
			return 0, fmt.Errorf("%w: more than %d", ErrTooManyCombinations, limit)
		}
	}
	return total, nil
}

// Enumerate produces every combination of the blocks' videos. The first block
// varies slowest and the last block fastest, so for [Hook:{A,B}, Body:{X,Y}]
// the order is (A,X) (A,Y) (B,X) (B,Y). Identical input always yields
// identical output.
func Enumerate(blocks []Block, limit int) ([]Plan, error) {
	total, err := Count(blocks, limit)
	if err != nil {
		return nil, err
	}

	plans := make([]Plan, 0, total)
	idx := make([]int, len(blocks))

	for ordinal := 1; ordinal <= total; ordinal++ {
		ids := make([]uuid.UUID, len(blocks))
		parts := make([]string, len(blocks))
		for i, b := range blocks {
			v := b.Videos[idx[i]]
			ids[i] = v.ID
			parts[i] = filenamePart(b, v, idx[i])
		}

		plans = append(plans, Plan{
			Ordinal:        ordinal,
			VideoIDs:       ids,
			OutputFilename: fmt.Sprintf("combo_%d_%s.mp4", ordinal, strings.Join(parts, "_")),
		})

		// Odometer step: the last block ticks every time and carries leftward.
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(blocks[k].Videos) {
				break
			}
			idx[k] = 0
		}
	}

	return plans, nil
}

// filenamePart names one segment of an output filename: the clip's own name
// (extension stripped, sanitized, truncated) or, when nothing usable is left,
// the block label plus the clip's 1-based position in the block.
func filenamePart(b Block, v VideoRef, index int) string {
	name := strings.TrimSuffix(v.Filename, filepath.Ext(v.Filename))
	name = sanitize(name)
	if len(name) > filenamePartLen {
		name = strings.Trim(name[:filenamePartLen], "-")
	}
	if name != "" {
		return name
	}
	label := sanitize(b.Label())
	if label == "" {
		label = string(b.Role)
	}
	return fmt.Sprintf("%s%d", label, index+1)
}

func sanitize(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return strings.Trim(sb.String(), "-_.")
}
