//go:build !linux && !darwin

package beep

type silent struct{}

// NewPlayer returns a player that plays nothing; cues are not supported here.
func NewPlayer() (Player, error) { return silent{}, nil }

func (silent) Play(Sound) {}
