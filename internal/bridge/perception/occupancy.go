package perception

import (
	"math"
	"sort"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
)

// Occupancy projects pts onto the XY plane in square cells of side
// cellSize. Cells within inflationRadius metres of an occupied cell are
// added with Inflated set. Cells are ordered by X then Y.
func Occupancy(pts []frame.Point, cellSize, inflationRadius float64) []frame.Cell {
	if cellSize <= 0 || len(pts) == 0 {
		return nil
	}

	type xy struct{ x, y int32 }
	occupied := make(map[xy]bool, len(pts)/EstimatedPointsPerCell+1)
	for _, p := range pts {
		occupied[xy{
			x: int32(math.Floor(p.X / cellSize)),
			y: int32(math.Floor(p.Y / cellSize)),
		}] = true
	}

	cells := make(map[xy]bool, len(occupied))
	for c := range occupied {
		cells[c] = false
	}

	if r := int32(math.Ceil(inflationRadius / cellSize)); inflationRadius > 0 && r > 0 {
		lim := inflationRadius / cellSize
		lim2 := lim * lim
		for c := range occupied {
			for dx := -r; dx <= r; dx++ {
				for dy := -r; dy <= r; dy++ {
					if float64(dx*dx+dy*dy) > lim2 {
						continue
					}
					n := xy{c.x + dx, c.y + dy}
					if _, ok := cells[n]; !ok {
						cells[n] = true
					}
				}
			}
		}
	}

	out := make([]frame.Cell, 0, len(cells))
	for c, inflated := range cells {
		out = append(out, frame.Cell{X: c.x, Y: c.y, Inflated: inflated})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}
