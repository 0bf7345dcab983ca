// Package transcode drives ffmpeg/ffprobe to produce quality-tiered
// renditions. The binaries are the transcoder; this package only builds
// arguments and plumbs bytes.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/driftbyte/mediaflow/internal/model"
)

// Input is either in-memory bytes (small tier) or a source URL ffmpeg
// reads directly (medium tier streaming).
type Input struct {
	Bytes []byte
	URL   string
}

func (in Input) argAndStdin() (string, io.Reader) {
	if in.URL != "" {
		return in.URL, nil
	}
	return "pipe:0", bytes.NewReader(in.Bytes)
}

// Processor is one transcoding backend. The pipeline tries the primary
// processor and falls back exactly once to the compatibility one.
type Processor interface {
	Name() string
	Transcode(ctx context.Context, in Input, tier Tier, mediaType model.MediaType, out io.Writer) error
}

// Runner executes an external command. Tests substitute a fake so no
// ffmpeg binary is needed.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader, stdout io.Writer) error
}

// ExecRunner returns the Runner that shells out to the real binaries.
func ExecRunner() Runner { return execRunner{} }

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader, stdout io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w - %s", name, err, truncate(stderr.String(), 512))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FFmpeg is the primary processor: H.264/AAC in fragmented MP4 so output
// can stream to the object store without seeking.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	runner      Runner
}

// NewFFmpeg builds the primary processor.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, runner: execRunner{}}
}

// WithRunner swaps the command runner; used by tests.
func (f *FFmpeg) WithRunner(r Runner) *FFmpeg {
	cp := *f
	cp.runner = r
	return &cp
}

func (f *FFmpeg) Name() string { return "ffmpeg-h264" }

// Transcode produces one rendition for the tier.
func (f *FFmpeg) Transcode(ctx context.Context, in Input, tier Tier, mediaType model.MediaType, out io.Writer) error {
	inputArg, stdin := in.argAndStdin()
	args := buildArgs(inputArg, tier, mediaType, false)
	if err := f.runner.Run(ctx, f.ffmpegPath, args, stdin, out); err != nil {
		return fmt.Errorf("transcode %s tier %s: %w", mediaType, tier.Quality, err)
	}
	return nil
}

// Compat is the fallback processor: an older, simpler encode requesting a
// single lower quality tier. It exists so a codec the primary chain cannot
// handle still yields a usable rendition.
type Compat struct {
	ffmpegPath string
	runner     Runner
}

// NewCompat builds the fallback processor.
func NewCompat(ffmpegPath string) *Compat {
	return &Compat{ffmpegPath: ffmpegPath, runner: execRunner{}}
}

// WithRunner swaps the command runner; used by tests.
func (c *Compat) WithRunner(r Runner) *Compat {
	cp := *c
	cp.runner = r
	return &cp
}

func (c *Compat) Name() string { return "ffmpeg-compat" }

func (c *Compat) Transcode(ctx context.Context, in Input, tier Tier, mediaType model.MediaType, out io.Writer) error {
	inputArg, stdin := in.argAndStdin()
	args := buildArgs(inputArg, tier, mediaType, true)
	if err := c.runner.Run(ctx, c.ffmpegPath, args, stdin, out); err != nil {
		return fmt.Errorf("compat transcode %s tier %s: %w", mediaType, tier.Quality, err)
	}
	return nil
}

func buildArgs(input string, tier Tier, mediaType model.MediaType, compat bool) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", input}
	switch mediaType {
	case model.MediaAudio:
		args = append(args,
			"-vn",
			"-c:a", "aac",
			"-b:a", tier.AudioBitrate,
			"-f", "adts",
		)
	default:
		if compat {
			// Older baseline settings: widest decoder compatibility over
			// efficiency.
			args = append(args,
				"-c:v", "libx264",
				"-profile:v", "baseline",
				"-level", "3.0",
				"-preset", "veryfast",
			)
		} else {
			args = append(args,
				"-c:v", "libx264",
				"-preset", "fast",
				"-crf", "23",
			)
		}
		if tier.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", tier.Height))
		}
		if tier.VideoBitrate != "" {
			args = append(args, "-maxrate", tier.VideoBitrate, "-bufsize", tier.VideoBitrate)
		}
		args = append(args,
			"-c:a", "aac",
			"-b:a", tier.AudioBitrate,
			"-movflags", "frag_keyframe+empty_moov+faststart",
			"-f", "mp4",
		)
	}
	return append(args, "pipe:1")
}

// ProbeInfo holds the subset of ffprobe output the pipeline cares about.
type ProbeInfo struct {
	Duration float64
	Width    int
	Height   int
	Codec    string
}

type probeJSON struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe runs ffprobe against the input (URL or pipe) and parses the JSON
// report.
func (f *FFmpeg) Probe(ctx context.Context, in Input) (*ProbeInfo, error) {
	inputArg, stdin := in.argAndStdin()
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputArg,
	}
	var out bytes.Buffer
	if err := f.runner.Run(ctx, f.ffprobePath, args, stdin, &out); err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out.Bytes())
}

func parseProbe(data []byte) (*ProbeInfo, error) {
	var raw probeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	info := &ProbeInfo{}
	if raw.Format.Duration != "" {
		if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
			info.Duration = d
		}
	}
	for _, s := range raw.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			info.Codec = s.CodecName
			break
		}
	}
	return info, nil
}
