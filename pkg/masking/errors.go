package masking

import "fmt"

// InvalidGeometryError reports a polyline that cannot be rasterized,
// either because too few effective vertices remain after dropping NaNs
// or because it crosses the periodic eta boundary more often than the
// splitting heuristic supports.
type InvalidGeometryError struct {
	Reason   string
	Vertices int
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("masking: invalid polygon geometry (%s, %d vertices)",
		e.Reason, e.Vertices)
}

// ShapeMismatchError reports a mask array whose shape does not match
// the target grid or detector.
type ShapeMismatchError struct {
	Got  [2]int
	Want [2]int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("masking: mask shape %dx%d does not match target %dx%d",
		e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}
