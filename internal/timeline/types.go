package timeline

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidParameter marks input rejected at the API boundary.
var ErrInvalidParameter = errors.New("invalid parameter")

type Track struct {
	ID   string
	Name string
}

// Block is a beat-positioned span of audio content on a track. It refers to
// its track by id only.
type Block struct {
	ID            string
	TrackID       string
	StartBeat     float64
	DurationBeats float64
	ContentRef    string
	Label         string
}

// NewID returns a fresh random identifier for tracks and blocks.
func NewID() string {
	return uuid.NewString()
}

// DerivedID returns a name-based identifier that is the same every time it
// is computed from the same parts. Project files use it for entries without
// an explicit id so that reloading an unchanged file keeps every identity.
func DerivedID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("beatmix:"+strings.Join(parts, "/"))).String()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate reports why a block cannot be placed on the timeline.
func (b Block) Validate() error {
	switch {
	case b.ID == "":
		return fmt.Errorf("%w: block id is empty", ErrInvalidParameter)
	case b.TrackID == "":
		return fmt.Errorf("%w: block %s has no track", ErrInvalidParameter, b.ID)
	case b.ContentRef == "":
		return fmt.Errorf("%w: block %s has no content", ErrInvalidParameter, b.ID)
	case !finite(b.StartBeat) || !finite(b.DurationBeats):
		return fmt.Errorf("%w: block %s has non-finite position", ErrInvalidParameter, b.ID)
	case b.StartBeat < 1:
		return fmt.Errorf("%w: block %s starts at beat %v, before beat 1", ErrInvalidParameter, b.ID, b.StartBeat)
	case b.DurationBeats <= 0:
		return fmt.Errorf("%w: block %s has duration %v, must be > 0", ErrInvalidParameter, b.ID, b.DurationBeats)
	}
	return nil
}

func (b Block) EndBeat() float64 {
	return b.StartBeat + b.DurationBeats
}

// Contains reports whether beat lies in [StartBeat, EndBeat).
func (b Block) Contains(beat float64) bool {
	return beat >= b.StartBeat && beat < b.EndBeat()
}

// Entered reports a tick-granularity crossing of the block's start edge.
func (b Block) Entered(previous, current float64) bool {
	return previous < b.StartBeat && b.StartBeat <= current
}

// Skipped reports a block that began and ended between two ticks.
func (b Block) Skipped(previous, current float64) bool {
	return previous < b.StartBeat && b.EndBeat() <= current
}
