package main

const (
	DefaultIconSize = 64
	DefaultGap      = 12
)

// LayoutRequest describes the avatar grid to be laid out. A non-positive
// MaxColumns or MaxRows is derived from the requested canvas dimension on
// that axis when one is given and is unbounded otherwise.
type LayoutRequest struct {
	AvatarCount     int `json:"avatarCount"`
	IconSize        int `json:"iconSize"`
	Gap             int `json:"gap"`
	MaxColumns      int `json:"maxColumns"`
	MaxRows         int `json:"maxRows"`
	RequestedWidth  int `json:"requestedWidth,omitempty"`
	RequestedHeight int `json:"requestedHeight,omitempty"`
}

type LayoutResult struct {
	Columns      int `json:"columns"`
	Rows         int `json:"rows"`
	CanvasWidth  int `json:"canvasWidth"`
	CanvasHeight int `json:"canvasHeight"`
	// Capacity is columns × maxRows, the number of avatars worth fetching.
	Capacity int `json:"capacity"`
}

// ComputeLayout turns an avatar count and sizing constraints into grid
// dimensions. Degenerate inputs are clamped, never rejected.
func ComputeLayout(req LayoutRequest) LayoutResult {
	count := max(req.AvatarCount, 0)
	icon := req.IconSize
	if icon <= 0 {
		icon = DefaultIconSize
	}
	gap := max(req.Gap, 0)

	maxCols := req.MaxColumns
	if maxCols <= 0 {
		maxCols = fitCells(req.RequestedWidth, icon, gap)
	}
	if maxCols <= 0 {
		maxCols = count
	}
	maxRows := req.MaxRows
	if maxRows <= 0 {
		maxRows = fitCells(req.RequestedHeight, icon, gap)
	}
	if maxRows <= 0 {
		maxRows = count
	}

	var res LayoutResult
	res.Columns = min(maxCols, count)
	if res.Columns > 0 {
		res.Rows = min((count+res.Columns-1)/res.Columns, maxRows)
	}
	res.Capacity = res.Columns * maxRows
	res.CanvasWidth = canvasExtent(req.RequestedWidth, res.Columns, icon, gap)
	res.CanvasHeight = canvasExtent(req.RequestedHeight, res.Rows, icon, gap)
	return res
}

// Slots reports how many avatars the layout actually displays.
func (l LayoutResult) Slots() int {
	return l.Columns * l.Rows
}

// fitCells counts the icons that fit along an axis of the given extent,
// padding included. Zero means no extent was requested.
func fitCells(extent, icon, gap int) int {
	if extent <= 0 {
		return 0
	}
	return max(1, (extent-gap)/(icon+gap))
}

func canvasExtent(requested, cells, icon, gap int) int {
	if requested > 0 {
		return requested
	}
	return gap + cells*icon + max(cells-1, 0)*gap + gap
}
