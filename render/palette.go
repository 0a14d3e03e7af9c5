package render

import "image/color"

// palette holds well-separated box colors, cycled by class ID.
var palette = []color.RGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 255, G: 225, B: 25, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
	{R: 240, G: 50, B: 230, A: 255},
	{R: 210, G: 245, B: 60, A: 255},
	{R: 250, G: 190, B: 212, A: 255},
	{R: 0, G: 128, B: 128, A: 255},
	{R: 170, G: 110, B: 40, A: 255},
}

// ClassColor returns the box color of a class. The same class always gets the same color.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}
