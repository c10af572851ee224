package upstream

import (
	"strconv"
	"strings"
)

// extractPhotoURLs picks one URL per photo from its preview_urls map,
// preferring the key naming the largest pixel dimensions and falling back
// to the smallest present when nothing larger parses.
func extractPhotoURLs(photos []rawPhoto) []string {
	var out []string
	for _, p := range photos {
		if url := pickPreviewURL(p.PreviewURLs); url != "" {
			out = append(out, url)
		}
	}
	return out
}

func pickPreviewURL(previews map[string]string) string {
	if len(previews) == 0 {
		return ""
	}

	var (
		bestKey  string
		bestArea int64 = -1
	)
	for key, url := range previews {
		if url == "" {
			continue
		}
		area := dimensionArea(key)
		// Ties and unparsable keys resolve by key order so the choice is
		// deterministic across runs.
		if area > bestArea || (area == bestArea && key < bestKey) {
			bestArea = area
			bestKey = key
		}
	}
	if bestKey == "" {
		return ""
	}
	return previews[bestKey]
}

// dimensionArea parses keys like "1920x1080", "640x", or "320" into a
// comparable pixel area. Unparsable keys rank lowest.
func dimensionArea(key string) int64 {
	parts := strings.SplitN(strings.ToLower(key), "x", 2)
	w, errW := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if errW != nil {
		return 0
	}
	if len(parts) == 1 || strings.TrimSpace(parts[1]) == "" {
		return w * w
	}
	h, errH := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if errH != nil {
		return w * w
	}
	return w * h
}
