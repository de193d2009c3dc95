package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/hookscale/internal/logger"
	"github.com/rs/zerolog"
)

// Output constants shared by every render.
const (
	videoFPS        = 30
	audioSampleRate = 48000
	audioBitrate    = "128k"
	videoPreset     = "fast"
	videoCRF        = "23"

	// Assumed when a clip cannot be probed.
	fallbackDuration = 5 * time.Second

	stderrTailBytes = 4096
)

// MediaInfo is what the renderer needs to know about one input clip.
type MediaInfo struct {
	HasAudio bool
	Duration time.Duration
	Width    int
	Height   int
}

// MediaEngine probes and concatenates local media files.
type MediaEngine interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
	Concatenate(ctx context.Context, inputs []string, output string, width, height int) error
}

// RenderError is returned when the media engine exits unsuccessfully.
// Stderr holds the tail of the engine's diagnostic output.
type RenderError struct {
	Op     string
	Err    error
	Stderr string
}

func (e *RenderError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ffmpeg %s failed: %v: %s", e.Op, e.Err, e.Stderr)
}

func (e *RenderError) Unwrap() error { return e.Err }

// FFmpegConfig configures FFmpegService.
type FFmpegConfig struct {
	FFmpegPath    string
	FFprobePath   string
	RenderTimeout time.Duration
	CopyFastPath  bool
}

type FFmpegService struct {
	ffmpegPath    string
	ffprobePath   string
	renderTimeout time.Duration
	copyFastPath  bool
	log           zerolog.Logger
}

func NewFFmpegService(cfg FFmpegConfig) *FFmpegService {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}

	return &FFmpegService{
		ffmpegPath:    cfg.FFmpegPath,
		ffprobePath:   cfg.FFprobePath,
		renderTimeout: cfg.RenderTimeout,
		copyFastPath:  cfg.CopyFastPath,
		log:           logger.Component("ffmpeg"),
	}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reports audio presence, duration and geometry of a media file.
func (s *FFmpegService) Probe(ctx context.Context, path string) (MediaInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height:format=duration",
		"-of", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, s.ffprobePath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, &RenderError{Op: "probe", Err: err, Stderr: tail(stderr.Bytes())}
	}

	return parseProbe(output)
}

func parseProbe(data []byte) (MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info MediaInfo
	for _, st := range out.Streams {
		switch st.CodecType {
		case "audio":
			info.HasAudio = true
		case "video":
			if info.Width == 0 {
				info.Width = st.Width
				info.Height = st.Height
			}
		}
	}

	if out.Format.Duration != "" {
		secs, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("failed to parse duration %q: %w", out.Format.Duration, err)
		}
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	if info.Duration <= 0 {
		info.Duration = fallbackDuration
	}

	return info, nil
}

// Concatenate normalizes every input to width x height at a fixed frame rate
// and joins them in order into output. Inputs without audio get a silent
// track of their own length whenever any input carries audio.
func (s *FFmpegService) Concatenate(ctx context.Context, inputs []string, output string, width, height int) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid target resolution %dx%d", width, height)
	}

	if s.renderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.renderTimeout)
		defer cancel()
	}

	infos := make([]MediaInfo, len(inputs))
	for i, in := range inputs {
		info, err := s.Probe(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Str("input", in).Msg("probe failed, assuming silent clip")
			info = MediaInfo{Duration: fallbackDuration}
		}
		infos[i] = info
	}

	if s.copyFastPath && canStreamCopy(infos, width, height) {
		s.log.Debug().Int("inputs", len(inputs)).Msg("inputs match target, using stream copy")
		return s.ConcatenateCopy(ctx, inputs, output)
	}

	args := BuildConcatArgs(inputs, infos, output, width, height)

	s.log.Debug().
		Int("inputs", len(inputs)).
		Str("resolution", fmt.Sprintf("%dx%d", width, height)).
		Str("output", output).
		Msg("rendering combination")

	return s.run(ctx, "concat", args, output)
}

// ConcatenateCopy joins inputs with the concat demuxer without re-encoding.
// Only valid when every input already shares codec parameters.
func (s *FFmpegService) ConcatenateCopy(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := filepath.Join(filepath.Dir(output), "concat_list.txt")
	var list strings.Builder
	for _, path := range inputs {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		output,
	}

	return s.run(ctx, "concat copy", args, output)
}

func (s *FFmpegService) run(ctx context.Context, op string, args []string, output string) error {
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(output)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("render timed out after %s: %w", s.renderTimeout, ctx.Err())
		}
		return &RenderError{Op: op, Err: err, Stderr: tail(stderr.Bytes())}
	}

	return nil
}

// BuildConcatArgs returns the ffmpeg arguments for a normalizing concat.
// Silent sources are appended after the real inputs, one per input lacking
// audio, and only when at least one input has audio.
func BuildConcatArgs(inputs []string, infos []MediaInfo, output string, width, height int) []string {
	anyAudio := false
	for _, info := range infos {
		if info.HasAudio {
			anyAudio = true
			break
		}
	}

	args := make([]string, 0, len(inputs)*6+24)
	for _, in := range inputs {
		args = append(args, "-i", in)
	}

	// index of the silent source standing in for input i
	silentIdx := make(map[int]int)
	if anyAudio {
		next := len(inputs)
		for i, info := range infos {
			if info.HasAudio {
				continue
			}
			args = append(args,
				"-f", "lavfi",
				"-t", formatSeconds(info.Duration),
				"-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", audioSampleRate),
			)
			silentIdx[i] = next
			next++
		}
	}

	var graph strings.Builder
	for i := range inputs {
		fmt.Fprintf(&graph,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%d,format=yuv420p[v%d];",
			i, width, height, width, height, videoFPS, i)

		if anyAudio {
			src := fmt.Sprintf("%d:a", i)
			if idx, ok := silentIdx[i]; ok {
				src = fmt.Sprintf("%d:a", idx)
			}
			fmt.Fprintf(&graph,
				"[%s]aresample=%d,aformat=sample_fmts=fltp:channel_layouts=stereo[a%d];",
				src, audioSampleRate, i)
		}
	}

	for i := range inputs {
		fmt.Fprintf(&graph, "[v%d]", i)
		if anyAudio {
			fmt.Fprintf(&graph, "[a%d]", i)
		}
	}

	if anyAudio {
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[outv][outa]", len(inputs))
	} else {
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=0[outv]", len(inputs))
	}

	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[outv]",
	)
	if anyAudio {
		args = append(args,
			"-map", "[outa]",
			"-c:a", "aac",
			"-b:a", audioBitrate,
		)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		output,
	)

	return args
}

// canStreamCopy reports whether all inputs already have the target geometry
// and agree on audio presence.
func canStreamCopy(infos []MediaInfo, width, height int) bool {
	if len(infos) == 0 {
		return false
	}
	for _, info := range infos {
		if info.Width != width || info.Height != height {
			return false
		}
		if info.HasAudio != infos[0].HasAudio {
			return false
		}
	}
	return true
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}
	return string(b)
}
