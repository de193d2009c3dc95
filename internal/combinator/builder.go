package combinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/hookscale/internal/models"
	"github.com/google/uuid"
)

// Limits bounds what a single job definition may contain.
type Limits struct {
	MaxCombinations  int
	MaxBlocksPerRole int
}

// DefaultLimits returns the production ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxCombinations:  DefaultMaxCombinations,
		MaxBlocksPerRole: DefaultMaxBlocksPerRole,
	}
}

// Builder assembles an ordered block layout and enforces the layout
// invariants at construction time: known roles, a bounded number of blocks
// per role, at least one video per block and a bounded product.
type Builder struct {
	limits Limits
	blocks []*BlockBuilder
}

// BlockBuilder collects the videos of one block.
type BlockBuilder struct {
	block  Block
	parent *Builder
}

func NewBuilder(limits Limits) *Builder {
	if limits.MaxCombinations <= 0 {
		limits.MaxCombinations = DefaultMaxCombinations
	}
	if limits.MaxBlocksPerRole <= 0 {
		limits.MaxBlocksPerRole = DefaultMaxBlocksPerRole
	}
	return &Builder{limits: limits}
}

// AddBlock appends a block with a fresh id. Blocks keep the order they were added in.
func (b *Builder) AddBlock(role models.BlockRole, customName string) *BlockBuilder {
	return b.AddBlockWithID(uuid.New(), role, customName)
}

// AddBlockWithID appends a block keeping a caller-supplied id.
func (b *Builder) AddBlockWithID(id uuid.UUID, role models.BlockRole, customName string) *BlockBuilder {
	bb := &BlockBuilder{
		parent: b,
		block: Block{
			Block: models.Block{
				ID:         id,
				Role:       models.BlockRole(strings.ToLower(string(role))),
				CustomName: strings.TrimSpace(customName),
				Position:   len(b.blocks),
			},
		},
	}
	b.blocks = append(b.blocks, bb)
	return bb
}

// AddVideo appends a clip to the block.
func (bb *BlockBuilder) AddVideo(ref VideoRef) *BlockBuilder {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	bb.block.Videos = append(bb.block.Videos, ref)
	return bb
}

// Build validates the layout and returns the blocks in order.
func (b *Builder) Build() ([]Block, error) {
	if len(b.blocks) == 0 {
		return nil, ErrNoBlocks
	}

	perRole := make(map[models.BlockRole]int)
	blocks := make([]Block, 0, len(b.blocks))
	for _, bb := range b.blocks {
		blk := bb.block
		if !blk.Role.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, blk.Role)
		}
		perRole[blk.Role]++
		if perRole[blk.Role] > b.limits.MaxBlocksPerRole {
			return nil, fmt.Errorf("%w: %s (max %d)", ErrTooManyBlocksForRole, blk.Role, b.limits.MaxBlocksPerRole)
		}
		if len(blk.Videos) == 0 {
			return nil, fmt.Errorf("block %q: %w", blk.Label(), ErrEmptyBlock)
		}
		blocks = append(blocks, blk)
	}

	if _, err := Count(blocks, b.limits.MaxCombinations); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Definition is everything that has to be persisted for a new job.
type Definition struct {
	Job          *models.Job
	Videos       []models.SourceVideo
	Combinations []models.Combination
}

// Define validates a create-job request and expands it into the job row, its
// source videos and one pending combination per plan. Nothing is returned
// when the layout is invalid, so an invalid job is never created.
func Define(req models.CreateJobRequest, limits Limits) (*Definition, error) {
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = models.DefaultAspectRatio
	}
	if !aspect.Valid() {
		return nil, fmt.Errorf("unsupported aspect ratio %q", aspect)
	}

	jobID := uuid.New()
	builder := NewBuilder(limits)
	var videos []models.SourceVideo
	now := time.Now()

	for _, in := range req.Structure {
		id := uuid.New()
		if in.BlockID != nil && *in.BlockID != uuid.Nil {
			id = *in.BlockID
		}
		bb := builder.AddBlockWithID(id, in.Type, in.CustomName)

		for pos, v := range in.Videos {
			if strings.TrimSpace(v.URL) == "" {
				return nil, fmt.Errorf("block %q: video %q has no url", bb.block.Label(), v.Filename)
			}
			video := models.SourceVideo{
				ID:              uuid.New(),
				JobID:           jobID,
				BlockID:         id,
				Role:            bb.block.Role,
				Filename:        v.Filename,
				URL:             v.URL,
				DurationSeconds: v.Duration,
				FileSize:        v.FileSize,
				Position:        pos,
				UploadedAt:      now,
			}
			bb.AddVideo(VideoRef{ID: video.ID, Filename: video.Filename})
			videos = append(videos, video)
		}
	}

	blocks, err := builder.Build()
	if err != nil {
		return nil, err
	}

	plans, err := Enumerate(blocks, limits.MaxCombinations)
	if err != nil {
		return nil, err
	}

	structure := make(models.Structure, len(blocks))
	for i, b := range blocks {
		structure[i] = b.Block
	}

	name := req.Name
	if name == nil || strings.TrimSpace(*name) == "" {
		n := "Job " + now.Format("2006-01-02 15:04:05")
		name = &n
	}

	job := &models.Job{
		ID:                jobID,
		Name:              name,
		Status:            models.JobStatusPending,
		TotalCombinations: len(plans),
		AspectRatio:       aspect,
		Structure:         structure,
	}

	combos := make([]models.Combination, len(plans))
	for i, p := range plans {
		combos[i] = models.Combination{
			ID:             uuid.New(),
			JobID:          jobID,
			Ordinal:        p.Ordinal,
			VideoIDs:       p.VideoIDs,
			OutputFilename: p.OutputFilename,
			Status:         models.CombinationStatusPending,
		}
	}

	return &Definition{Job: job, Videos: videos, Combinations: combos}, nil
}
