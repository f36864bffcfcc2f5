package handlers

import (
	"fmt"
	"strings"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// ValidationError represents a validation error for a specific field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NormalizeTemplates validates store request templates and fills defaults.
// The returned slice keeps the input order.
func NormalizeTemplates(templates []models.TemplateUpdate, capture config.CaptureConfig) ([]models.TemplateUpdate, []ValidationError) {
	var errors []ValidationError
	normalized := make([]models.TemplateUpdate, 0, len(templates))

	for i, t := range templates {
		prefix := fmt.Sprintf("[%d]", i)

		if strings.TrimSpace(t.ID) == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".id",
				Message: "Template id is required",
				Code:    "required",
			})
		}

		platform, err := models.ParsePlatform(string(t.Platform))
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   prefix + ".platform",
				Message: fmt.Sprintf("Platform must be one of: %s, %s", models.PlatformAndroid, models.PlatformIOS),
				Code:    "invalid_option",
			})
		} else {
			t.Platform = platform
		}

		if strings.TrimSpace(t.Locale) == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".locale",
				Message: "Locale is required",
				Code:    "required",
			})
		}

		if t.Device == "" && err == nil {
			t.Device = capture.DefaultDevice(platform)
		}

		// These end up in capture and output paths.
		if err := naming.CheckSegment(t.Locale); err != nil {
			errors = append(errors, pathError(prefix+".locale", err))
		}
		if err := naming.CheckSegment(t.Device); err != nil {
			errors = append(errors, pathError(prefix+".device", err))
		}
		if err := naming.CheckRelative(t.OutDir); err != nil {
			errors = append(errors, pathError(prefix+".outDir", err))
		}
		for j, pattern := range t.OutFiles {
			if err := naming.CheckRelative(pattern); err != nil {
				errors = append(errors, pathError(fmt.Sprintf("%s.outFiles[%d]", prefix, j), err))
			}
		}

		for j, screen := range t.Screens {
			field := fmt.Sprintf("%s.screens[%d]", prefix, j)
			if screen.Number < 1 {
				errors = append(errors, ValidationError{
					Field:   field + ".number",
					Message: "Screen number must be 1 or greater",
					Code:    "invalid_number",
				})
			}
			if len(screen.Images) == 0 {
				errors = append(errors, ValidationError{
					Field:   field + ".images",
					Message: "Screen needs at least one image",
					Code:    "required",
				})
			}
		}

		normalized = append(normalized, t)
	}

	return normalized, errors
}

func pathError(field string, err error) ValidationError {
	return ValidationError{Field: field, Message: err.Error(), Code: "invalid_path"}
}
