package match

import "github.com/revisit/server/internal/model"

// Canonical field names reported in ChangeEvent.ChangedFields and used
// by the resolver to decide whether anything changed at all.
const (
	FieldUserAgent    = "user_agent"
	FieldPlatform     = "platform"
	FieldLanguage     = "language"
	FieldTimezone     = "timezone"
	FieldScreenWidth  = "screen_width"
	FieldScreenHeight = "screen_height"
	FieldColorDepth   = "color_depth"
	FieldPixelRatio   = "pixel_ratio"
	FieldCPUCores     = "cpu_cores"
	FieldDeviceMemory = "device_memory"
	FieldCanvasHash   = "canvas_hash"
	FieldAudioHash    = "audio_hash"
	FieldWebGLHash    = "webgl_hash"
	FieldIPAddress    = "ip_address"
	FieldCountry      = "country"
	FieldCity         = "city"
	FieldFonts        = "fonts"
	FieldPlugins      = "plugins"
	FieldClientToken  = "client_token"
)

// DetectChanges compares the tracked fingerprint fields by exact
// equality and returns the names of those that differ. An empty result
// means the two fingerprints are identical for resolution purposes.
func DetectChanges(prev, curr model.Fingerprint) []string {
	var changed []string

	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}

	add(FieldUserAgent, !eqStr(prev.UserAgent, curr.UserAgent))
	add(FieldPlatform, !eqStr(prev.Platform, curr.Platform))
	add(FieldLanguage, !eqStr(prev.Language, curr.Language))
	add(FieldTimezone, !eqStr(prev.Timezone, curr.Timezone))
	add(FieldScreenWidth, !eqInt(prev.ScreenWidth, curr.ScreenWidth))
	add(FieldScreenHeight, !eqInt(prev.ScreenHeight, curr.ScreenHeight))
	add(FieldColorDepth, !eqInt(prev.ColorDepth, curr.ColorDepth))
	add(FieldPixelRatio, !eqFloat(prev.PixelRatio, curr.PixelRatio))
	add(FieldCPUCores, !eqInt(prev.CPUCores, curr.CPUCores))
	add(FieldDeviceMemory, !eqFloat(prev.DeviceMemory, curr.DeviceMemory))
	add(FieldCanvasHash, !eqStr(prev.CanvasHash, curr.CanvasHash))
	add(FieldAudioHash, !eqStr(prev.AudioHash, curr.AudioHash))
	add(FieldWebGLHash, !eqStr(prev.WebGLHash, curr.WebGLHash))
	add(FieldIPAddress, !eqStr(prev.IPAddress, curr.IPAddress))
	add(FieldCountry, !eqStr(prev.Country, curr.Country))
	add(FieldCity, !eqStr(prev.City, curr.City))
	add(FieldFonts, !eqSlice(prev.Fonts, curr.Fonts))
	add(FieldPlugins, !eqSlice(prev.Plugins, curr.Plugins))

	return changed
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// eqSlice is order-sensitive: a reordered font list counts as changed.
func eqSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
