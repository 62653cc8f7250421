package history

// Viewport is the scrollable view a conversation log is rendered into.
type Viewport interface {
	ScrollOffset() float64
	ContentHeight() float64
	SetScrollOffset(offset float64)
	// Relayout re-measures content after records were added.
	Relayout()
}

// ScrollAnchor remembers where the reader was before content was inserted
// above them.
type ScrollAnchor struct {
	Offset float64
	Height float64
}

func Capture(vp Viewport) ScrollAnchor {
	return ScrollAnchor{Offset: vp.ScrollOffset(), Height: vp.ContentHeight()}
}

// Restore shifts the scroll offset by however much the content grew, so the
// record that was on screen stays on screen.
func (a ScrollAnchor) Restore(vp Viewport) {
	delta := vp.ContentHeight() - a.Height
	if delta == 0 {
		return
	}
	vp.SetScrollOffset(a.Offset + delta)
}
