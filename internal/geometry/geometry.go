// Package geometry maps pointer coordinates to image coordinates for an image drawn with an aspect preserving,
// centered fit inside its viewport.
package geometry

import "math"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the container rectangle in client coordinates.
type Viewport struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Box is the rectangle the image occupies inside the viewport.
type Box struct {
	Viewport   Viewport `json:"viewport"`
	Scale      float64  `json:"scale"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	OffsetLeft float64  `json:"offsetLeft"`
	OffsetTop  float64  `json:"offsetTop"`
}

// Fit computes the letterboxed box of an image with the given intrinsic size. When the intrinsic size is unknown
// the whole viewport is used as the image box.
func Fit(viewport Viewport, intrinsic Size) Box {
	box := Box{Viewport: viewport}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return box
	}

	if intrinsic.Width <= 0 || intrinsic.Height <= 0 {
		box.Scale = 1
		box.Width = viewport.Width
		box.Height = viewport.Height
		return box
	}

	box.Scale = math.Min(viewport.Width/intrinsic.Width, viewport.Height/intrinsic.Height)
	box.Width = intrinsic.Width * box.Scale
	box.Height = intrinsic.Height * box.Scale
	box.OffsetLeft = (viewport.Width - box.Width) / 2
	box.OffsetTop = (viewport.Height - box.Height) / 2
	return box
}

// Valid reports whether the box can be used to map coordinates. A zero sized viewport means the layout is not
// ready yet.
func (b Box) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

// ToImageSpace converts client coordinates to normalized image coordinates, clamped to [0,1].
func (b Box) ToImageSpace(clientX, clientY float64) Point {
	if !b.Valid() {
		return Point{}
	}
	x := (clientX - b.Viewport.Left - b.OffsetLeft) / b.Width
	y := (clientY - b.Viewport.Top - b.OffsetTop) / b.Height
	return Point{X: Clamp(x), Y: Clamp(y)}
}

// ToViewportSpace converts normalized image coordinates back to client coordinates.
func (b Box) ToViewportSpace(p Point) Point {
	return Point{
		X: p.X*b.Width + b.OffsetLeft + b.Viewport.Left,
		Y: p.Y*b.Height + b.OffsetTop + b.Viewport.Top,
	}
}

// Contains reports whether the client point falls inside the rendered image.
func (b Box) Contains(clientX, clientY float64) bool {
	if !b.Valid() {
		return false
	}
	x := clientX - b.Viewport.Left - b.OffsetLeft
	y := clientY - b.Viewport.Top - b.OffsetTop
	return x >= -epsilon && y >= -epsilon && x <= b.Width+epsilon && y <= b.Height+epsilon
}

const epsilon = 1e-6

// Distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
