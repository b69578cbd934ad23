package client

// bottomSlack is how close to the end, in pixels, still counts as being at
// the bottom.
const bottomSlack = 4

// ScrollItem is one rendered message and its height in pixels.
type ScrollItem struct {
	ID     string
	Height float64
}

// ScrollState models a message list viewport in pixels and keeps it
// anchored while content changes:
//   - appending while at the bottom follows the new content;
//   - appending while scrolled away leaves the viewport alone;
//   - prepending or removing content keeps the first visible message at the
//     same position on screen.
type ScrollState struct {
	viewport float64
	offset   float64
	items    []ScrollItem
}

// NewScrollState creates an empty list shown in a viewport of the given
// height.
func NewScrollState(viewport float64) *ScrollState {
	return &ScrollState{viewport: viewport}
}

// Offset returns the distance from the top of the content to the top of
// the viewport.
func (s *ScrollState) Offset() float64 {
	return s.offset
}

// ContentHeight returns the total height of all items.
func (s *ScrollState) ContentHeight() float64 {
	var h float64
	for _, it := range s.items {
		h += it.Height
	}
	return h
}

// Len returns the number of items.
func (s *ScrollState) Len() int {
	return len(s.items)
}

func (s *ScrollState) maxOffset() float64 {
	if m := s.ContentHeight() - s.viewport; m > 0 {
		return m
	}
	return 0
}

// AtBottom reports whether the end of the content is in view.
func (s *ScrollState) AtBottom() bool {
	return s.offset >= s.maxOffset()-bottomSlack
}

// ScrollTo moves the viewport, clamped to the content.
func (s *ScrollState) ScrollTo(offset float64) {
	s.offset = offset
	s.clamp()
}

// ScrollToBottom shows the end of the content.
func (s *ScrollState) ScrollToBottom() {
	s.offset = s.maxOffset()
}

func (s *ScrollState) clamp() {
	if max := s.maxOffset(); s.offset > max {
		s.offset = max
	}
	if s.offset < 0 {
		s.offset = 0
	}
}

// top returns the position of an item, or -1.
func (s *ScrollState) top(id string) float64 {
	var y float64
	for _, it := range s.items {
		if it.ID == id {
			return y
		}
		y += it.Height
	}
	return -1
}

// anchor returns the first item still visible at the top of the viewport,
// skipping excluded IDs, and how far its top sits from the viewport top.
func (s *ScrollState) anchor(exclude map[string]bool) (string, float64) {
	var y float64
	for _, it := range s.items {
		bottom := y + it.Height
		if bottom > s.offset && !exclude[it.ID] {
			return it.ID, y - s.offset
		}
		y = bottom
	}
	return "", 0
}

// keep applies mutate and then restores the anchor's screen position.
func (s *ScrollState) keep(exclude map[string]bool, mutate func()) {
	id, delta := s.anchor(exclude)
	mutate()
	if id != "" {
		if y := s.top(id); y >= 0 {
			s.offset = y - delta
		}
	}
	s.clamp()
}

// Load replaces every item, as when a chat is opened, and shows the end.
func (s *ScrollState) Load(items []ScrollItem) {
	s.items = append([]ScrollItem{}, items...)
	s.ScrollToBottom()
}

// Reload replaces every item with a fresh copy of the same list. The first
// visible message keeps its place if it is still there, and a viewport at
// the bottom stays there.
func (s *ScrollState) Reload(items []ScrollItem) {
	follow := s.AtBottom()
	s.keep(nil, func() {
		s.items = append([]ScrollItem{}, items...)
	})
	if follow {
		s.ScrollToBottom()
	}
}

// Append adds items after the last one.
func (s *ScrollState) Append(items ...ScrollItem) {
	follow := s.AtBottom()
	s.items = append(s.items, items...)
	if follow {
		s.ScrollToBottom()
	}
}

// Prepend adds items before the first one, as when loading history.
func (s *ScrollState) Prepend(items ...ScrollItem) {
	s.keep(nil, func() {
		s.items = append(append([]ScrollItem{}, items...), s.items...)
	})
}

// Remove drops an item.
func (s *ScrollState) Remove(id string) {
	follow := s.AtBottom()
	s.keep(map[string]bool{id: true}, func() {
		for i, it := range s.items {
			if it.ID == id {
				s.items = append(s.items[:i], s.items[i+1:]...)
				return
			}
		}
	})
	if follow {
		s.ScrollToBottom()
	}
}

// Resize changes an item's height, as when an image finishes loading.
func (s *ScrollState) Resize(id string, height float64) {
	follow := s.AtBottom()
	s.keep(nil, func() {
		for i := range s.items {
			if s.items[i].ID == id {
				s.items[i].Height = height
				return
			}
		}
	})
	if follow {
		s.ScrollToBottom()
	}
}

// Replace renames an item in place, as when an optimistic message is
// confirmed under its server ID.
func (s *ScrollState) Replace(oldID, newID string) {
	for i := range s.items {
		if s.items[i].ID == oldID {
			s.items[i].ID = newID
			return
		}
	}
}
