package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/polymind/polymind/moe/mixer"
)

const geocoderSystemPrompt = `You extract place names from text and return their coordinates.
Reply with a JSON array only, no prose: [{"name":"...","lat":0.0,"lng":0.0}].
Include only places you can locate confidently. Reply [] when there are none.`

// Geocoder asks a chat model to extract and locate place names. It backs
// the mixer's map fallback when no dedicated geocoding service is
// configured.
type Geocoder struct {
	svc Service
}

// NewGeocoder wraps a chat service as a geocoding backend.
func NewGeocoder(svc Service) *Geocoder {
	return &Geocoder{svc: svc}
}

// ExtractAndGeocode returns the located places mentioned in text. A reply
// the model formats badly yields an empty result, not an error; the map
// fallback is best-effort.
func (g *Geocoder) ExtractAndGeocode(ctx context.Context, text string) ([]mixer.Marker, error) {
	out, _, err := g.svc.Chat(ctx, geocoderSystemPrompt, text)
	if err != nil {
		return nil, err
	}

	var markers []mixer.Marker
	if err := json.Unmarshal([]byte(extractJSONArray(out)), &markers); err != nil {
		return nil, nil
	}
	return markers, nil
}

// extractJSONArray strips fences and surrounding prose the model may add
// around the array.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return "[]"
	}
	return s[start : end+1]
}

var _ mixer.GeocodingFallback = (*Geocoder)(nil)
