package handlers

import (
	"testing"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/pkg/models"
)

var testCapture = config.CaptureConfig{
	PathPattern:   "/tmp/captures/{platform}/{locale}/{device}",
	AndroidDevice: "pixel_7",
	IOSDevice:     "iphone_15",
}

func TestNormalizeTemplates(t *testing.T) {
	input := []models.TemplateUpdate{
		{ID: "a", Platform: "Android", Locale: "en-US"},
		{ID: "b", Platform: "ios", Locale: "de-DE", Device: "ipad"},
	}

	got, errs := NormalizeTemplates(input, testCapture)
	if len(errs) != 0 {
		t.Fatalf("Unexpected validation errors: %+v", errs)
	}
	if got[0].Platform != models.PlatformAndroid {
		t.Errorf("Expected platform to be normalized, got %q", got[0].Platform)
	}
	if got[0].Device != "pixel_7" {
		t.Errorf("Expected default android device, got %q", got[0].Device)
	}
	if got[1].Device != "ipad" {
		t.Errorf("Expected explicit device to be kept, got %q", got[1].Device)
	}
}

func TestNormalizeTemplates_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template models.TemplateUpdate
		field    string
		code     string
	}{
		{"missing id", models.TemplateUpdate{Platform: "ios", Locale: "en"}, "[0].id", "required"},
		{"bad platform", models.TemplateUpdate{ID: "a", Platform: "windows", Locale: "en"}, "[0].platform", "invalid_option"},
		{"missing locale", models.TemplateUpdate{ID: "a", Platform: "ios"}, "[0].locale", "required"},
		{"locale escapes", models.TemplateUpdate{ID: "a", Platform: "ios", Locale: "../../etc"}, "[0].locale", "invalid_path"},
		{"device escapes", models.TemplateUpdate{ID: "a", Platform: "ios", Locale: "en", Device: "a/b"}, "[0].device", "invalid_path"},
		{"outDir escapes", models.TemplateUpdate{ID: "a", Platform: "ios", Locale: "en", OutDir: "../../../../etc"}, "[0].outDir", "invalid_path"},
		{"outDir absolute", models.TemplateUpdate{ID: "a", Platform: "ios", Locale: "en", OutDir: "/etc"}, "[0].outDir", "invalid_path"},
		{"outFiles escapes", models.TemplateUpdate{ID: "a", Platform: "ios", Locale: "en", OutFiles: []string{"ok.png", "../{name}.png"}}, "[0].outFiles[1]", "invalid_path"},
		{
			"screen number",
			models.TemplateUpdate{ID: "a", Platform: "ios", Locale: "en", Screens: []models.ScreenMeta{{Number: 0, Images: []string{"1.png"}}}},
			"[0].screens[0].number", "invalid_number",
		},
		{
			"screen images",
			models.TemplateUpdate{ID: "a", Platform: "ios", Locale: "en", Screens: []models.ScreenMeta{{Number: 1}}},
			"[0].screens[0].images", "required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := NormalizeTemplates([]models.TemplateUpdate{tt.template}, testCapture)
			if len(errs) != 1 {
				t.Fatalf("Expected 1 error, got %+v", errs)
			}
			if errs[0].Field != tt.field || errs[0].Code != tt.code {
				t.Errorf("Expected %s/%s, got %s/%s", tt.field, tt.code, errs[0].Field, errs[0].Code)
			}
		})
	}
}

func TestNormalizeTemplates_NestedOutDirAllowed(t *testing.T) {
	input := []models.TemplateUpdate{{ID: "a", Platform: "ios", Locale: "en", OutDir: "fastlane/{locale}", OutFiles: []string{"raw/{name}.png"}}}
	if _, errs := NormalizeTemplates(input, testCapture); len(errs) != 0 {
		t.Errorf("Expected no errors, got %+v", errs)
	}
}

func TestNormalizeTemplates_EmptyScreensAllowed(t *testing.T) {
	_, errs := NormalizeTemplates([]models.TemplateUpdate{{ID: "a", Platform: "ios", Locale: "en"}}, testCapture)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %+v", errs)
	}
}
