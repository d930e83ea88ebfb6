package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Color is an RGB triple. It is encoded in JSON as "#rrggbb".
type Color struct {
	R, G, B uint8
}

var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// String returns the lower-case #rrggbb form.
func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// MarshalJSON implements json.Marshaler.
func (c Color) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts every form ParseColor accepts.
func (c *Color) UnmarshalJSON(data []byte) error {
	parsed, err := ParseColor(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseHexColor parses "#RRGGBB" (either case).
func ParseHexColor(s string) (Color, error) {
	if !hexColorPattern.MatchString(s) {
		return Color{}, fmt.Errorf("%w: %q is not #RRGGBB", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("%w: %w", ErrInvalidColor, err)
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// ParseColor decodes a JSON color in one of three forms:
//
//	"#ff8800"
//	[255, 136, 0]
//	{"r": 255, "g": 136, "b": 0}
//
// Each channel must be an integer in 0-255.
func ParseColor(raw json.RawMessage) (Color, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Color{}, fmt.Errorf("%w: empty value", ErrInvalidColor)
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Color{}, fmt.Errorf("%w: %w", ErrInvalidColor, err)
		}
		return ParseHexColor(s)

	case '[':
		var channels []int
		if err := json.Unmarshal(raw, &channels); err != nil {
			return Color{}, fmt.Errorf("%w: %w", ErrInvalidColor, err)
		}
		if len(channels) != 3 {
			return Color{}, fmt.Errorf("%w: want 3 channels, got %d", ErrInvalidColor, len(channels))
		}
		return colorFromChannels(channels[0], channels[1], channels[2])

	case '{':
		var obj struct {
			R *int `json:"r"`
			G *int `json:"g"`
			B *int `json:"b"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Color{}, fmt.Errorf("%w: %w", ErrInvalidColor, err)
		}
		if obj.R == nil || obj.G == nil || obj.B == nil {
			return Color{}, fmt.Errorf("%w: r, g and b are required", ErrInvalidColor)
		}
		return colorFromChannels(*obj.R, *obj.G, *obj.B)
	}

	return Color{}, fmt.Errorf("%w: unsupported value %s", ErrInvalidColor, raw)
}

func colorFromChannels(r, g, b int) (Color, error) {
	for _, ch := range []int{r, g, b} {
		if ch < 0 || ch > 255 {
			return Color{}, fmt.Errorf("%w: channel %d outside 0-255", ErrInvalidColor, ch)
		}
	}
	return Color{R: uint8(r), G: uint8(g), B: uint8(b)}, nil
}
