package transcode

import "github.com/driftbyte/mediaflow/internal/model"

// Tier describes one rendition target in the quality ladder.
type Tier struct {
	Quality      model.Quality
	Height       int
	VideoBitrate string
	AudioBitrate string
}

// VideoLadder is the full ladder attempted for small-tier videos, best
// quality first.
var VideoLadder = []Tier{
	{Quality: model.Quality1080p, Height: 1080, VideoBitrate: "5000k", AudioBitrate: "192k"},
	{Quality: model.Quality720p, Height: 720, VideoBitrate: "2800k", AudioBitrate: "128k"},
	{Quality: model.Quality480p, Height: 480, VideoBitrate: "1200k", AudioBitrate: "96k"},
}

// AudioTier is the single rendition produced for audio uploads.
var AudioTier = Tier{Quality: model.QualityAAC, AudioBitrate: "160k"}

// FallbackTier is the single low tier the compatibility encoder targets
// when the primary processor fails.
var FallbackTier = Tier{Quality: model.Quality480p, Height: 480, VideoBitrate: "1000k", AudioBitrate: "96k"}

// LadderFor returns the tiers a strategy should attempt: the full ladder
// capped to max entries, best quality first.
func LadderFor(max int) []Tier {
	if max <= 0 || max >= len(VideoLadder) {
		return VideoLadder
	}
	// Prefer the lower end of the ladder when fewer tiers are requested;
	// a medium-tier stream gets 720p/480p rather than 1080p/720p.
	return VideoLadder[len(VideoLadder)-max:]
}
