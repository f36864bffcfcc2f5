package models

import (
	"fmt"
	"strings"
)

// Platform identifies the mobile operating system of a device or template.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ParsePlatform normalises a platform name taken from a URL or request body.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformAndroid, PlatformIOS:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform: %q", s)
	}
}

// TemplateUpdate is one template to regenerate on the rendering service.
type TemplateUpdate struct {
	ID       string       `json:"id"`
	Platform Platform     `json:"platform"`
	Sequence int          `json:"sequence"`
	Device   string       `json:"device"`
	Locale   string       `json:"locale"`
	Screens  []ScreenMeta `json:"screens"`
	// OutDir is appended to the platform output base path.
	OutDir string `json:"outDir,omitempty"`
	// OutFiles overrides the output file pattern per extracted image, in
	// archive order. Blank entries use the default pattern.
	OutFiles []string `json:"outFiles,omitempty"`
}

// Group is the key of the capture directory whose images a template uses.
func (t TemplateUpdate) Group() ImageGroup {
	return ImageGroup{Platform: t.Platform, Locale: t.Locale, Device: t.Device}
}

// ImageGroup identifies one captured image set.
type ImageGroup struct {
	Platform Platform
	Locale   string
	Device   string
}

func (g ImageGroup) String() string {
	return fmt.Sprintf("%s/%s/%s", g.Platform, g.Locale, g.Device)
}

// ScreenMeta describes the content of a single screen within a template.
type ScreenMeta struct {
	Number  int      `json:"number"`
	Heading string   `json:"heading,omitempty"`
	Blurb   string   `json:"blurb,omitempty"`
	Images  []string `json:"images"`
}

// Modification attributes understood by the rendering service.
const (
	AttributeText       = "text"
	AttributeScreenshot = "screenshot"
)

const (
	elementHeading = "heading"
	elementBlurb   = "blurb"
	elementImage   = "image"
)

// Modification is a single field update sent to the rendering service.
type Modification struct {
	Name      string `json:"name"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// ImageBaseURL is the public URL prefix under which a group's images are
// served once uploaded.
func ImageBaseURL(publicHost, bucket, objectPrefix string) string {
	parts := []string{strings.TrimRight(publicHost, "/"), bucket}
	if p := strings.Trim(objectPrefix, "/"); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, "/")
}

// ModificationsForScreen converts a screen into the modifications for its
// heading, blurb and images. A single image is addressed as s<n>.image,
// multiple images as s<n>.image1..N.
func ModificationsForScreen(imageBaseURL string, screen ScreenMeta) []Modification {
	mods := make([]Modification, 0, len(screen.Images)+2)
	if screen.Heading != "" {
		mods = append(mods, Modification{
			Name:      elementName(screen.Number, elementHeading, 0),
			Attribute: AttributeText,
			Value:     screen.Heading,
		})
	}
	if screen.Blurb != "" {
		mods = append(mods, Modification{
			Name:      elementName(screen.Number, elementBlurb, 0),
			Attribute: AttributeText,
			Value:     screen.Blurb,
		})
	}

	if len(screen.Images) == 1 {
		mods = append(mods, Modification{
			Name:      elementName(screen.Number, elementImage, 0),
			Attribute: AttributeScreenshot,
			Value:     imageBaseURL + "/" + screen.Images[0],
		})
		return mods
	}
	for i, image := range screen.Images {
		mods = append(mods, Modification{
			Name:      elementName(screen.Number, elementImage, i+1),
			Attribute: AttributeScreenshot,
			Value:     imageBaseURL + "/" + image,
		})
	}
	return mods
}

// ModificationsForTemplate concatenates the modifications of every screen.
func ModificationsForTemplate(imageBaseURL string, screens []ScreenMeta) []Modification {
	mods := []Modification{}
	for _, screen := range screens {
		mods = append(mods, ModificationsForScreen(imageBaseURL, screen)...)
	}
	return mods
}

func elementName(screen int, element string, index int) string {
	if index > 0 {
		return fmt.Sprintf("s%d.%s%d", screen, element, index)
	}
	return fmt.Sprintf("s%d.%s", screen, element)
}
