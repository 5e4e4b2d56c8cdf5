package review

import (
	"github.com/nitro/lazyreview/internal/domain"
	"github.com/nitro/lazyreview/internal/geometry"
)

// Store holds the pins of every image. Pin numbers of an image always form the sequence 1..N.
type Store struct {
	images map[int][]domain.Pin
}

func NewStore() *Store {
	return &Store{images: make(map[int][]domain.Pin)}
}

// Load replaces the whole content of the store. Numbers are rewritten to 1..N in the stored order, so a snapshot
// with gaps can't break the numbering.
func (s *Store) Load(set domain.AnnotationSet) {
	s.images = make(map[int][]domain.Pin, len(set))
	for image, pins := range set {
		if image < 0 || len(pins) == 0 {
			continue
		}
		normalized := make([]domain.Pin, len(pins))
		for i, pin := range pins {
			pin.Number = i + 1
			pin.X = geometry.Clamp(pin.X)
			pin.Y = geometry.Clamp(pin.Y)
			normalized[i] = pin
		}
		s.images[image] = normalized
	}
}

func (s *Store) Reset() {
	s.images = make(map[int][]domain.Pin)
}

// Snapshot returns a deep copy of the annotation set.
func (s *Store) Snapshot() domain.AnnotationSet {
	return domain.AnnotationSet(s.images).Clone()
}

func (s *Store) Images() []int {
	return domain.AnnotationSet(s.images).Images()
}

func (s *Store) Pins(image int) []domain.Pin {
	return append([]domain.Pin(nil), s.images[image]...)
}

func (s *Store) Count(image int) int {
	return len(s.images[image])
}

func (s *Store) Pin(image, number int) (domain.Pin, bool) {
	idx := s.index(image, number)
	if idx < 0 {
		return domain.Pin{}, false
	}
	return s.images[image][idx], true
}

// Create appends a pin with an empty text and returns its number.
func (s *Store) Create(image int, x, y float64) int {
	number := len(s.images[image]) + 1
	s.images[image] = append(s.images[image], domain.Pin{
		Number: number,
		X:      geometry.Clamp(x),
		Y:      geometry.Clamp(y),
	})
	return number
}

func (s *Store) UpdateText(image, number int, text string) bool {
	idx := s.index(image, number)
	if idx < 0 {
		return false
	}
	s.images[image][idx].Text = text
	return true
}

func (s *Store) Move(image, number int, x, y float64) bool {
	idx := s.index(image, number)
	if idx < 0 {
		return false
	}
	s.images[image][idx].X = geometry.Clamp(x)
	s.images[image][idx].Y = geometry.Clamp(y)
	return true
}

// Delete removes the pin and shifts the numbers of the following pins down by one.
func (s *Store) Delete(image, number int) bool {
	idx := s.index(image, number)
	if idx < 0 {
		return false
	}

	pins := s.images[image]
	remaining := make([]domain.Pin, 0, len(pins)-1)
	remaining = append(remaining, pins[:idx]...)
	for _, pin := range pins[idx+1:] {
		pin.Number--
		remaining = append(remaining, pin)
	}
	if len(remaining) == 0 {
		delete(s.images, image)
		return true
	}
	s.images[image] = remaining
	return true
}

func (s *Store) index(image, number int) int {
	pins := s.images[image]
	if number < 1 || number > len(pins) {
		return -1
	}
	return number - 1
}

// RemapAfterDelete returns the new value of a pin reference once the pin deleted was removed. Zero means no
// reference.
func RemapAfterDelete(ref, deleted int) int {
	switch {
	case ref == 0 || ref < deleted:
		return ref
	case ref == deleted:
		return 0
	default:
		return ref - 1
	}
}
