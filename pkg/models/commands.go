package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action is a device operation exposed over HTTP.
type Action string

const (
	ActionScreenshot  Action = "screenshot"
	ActionPermissions Action = "permissions"
	ActionLocation    Action = "location"
	ActionDeeplink    Action = "deeplink"
	ActionLaunchApp   Action = "launch-app"
	// ActionLaunchAppDefault launches the default activity when none is given.
	ActionLaunchAppDefault Action = "launch-app-default"
)

// PlatformCommands holds the shell command templates of a single platform.
// An empty template means the action is not supported on that platform.
type PlatformCommands struct {
	Screenshot       string `yaml:"screenshot" json:"screenshot"`
	Permissions      string `yaml:"permissions" json:"permissions"`
	Location         string `yaml:"location" json:"location"`
	Deeplink         string `yaml:"deeplink" json:"deeplink"`
	LaunchApp        string `yaml:"launchApp" json:"launchApp"`
	LaunchAppDefault string `yaml:"launchAppDefault" json:"launchAppDefault"`
}

func (c PlatformCommands) lookup(action Action) string {
	switch action {
	case ActionScreenshot:
		return c.Screenshot
	case ActionPermissions:
		return c.Permissions
	case ActionLocation:
		return c.Location
	case ActionDeeplink:
		return c.Deeplink
	case ActionLaunchApp:
		return c.LaunchApp
	case ActionLaunchAppDefault:
		return c.LaunchAppDefault
	}
	return ""
}

// merge overlays the non-empty templates of o onto c.
func (c PlatformCommands) merge(o PlatformCommands) PlatformCommands {
	pick := func(base, override string) string {
		if override != "" {
			return override
		}
		return base
	}
	return PlatformCommands{
		Screenshot:       pick(c.Screenshot, o.Screenshot),
		Permissions:      pick(c.Permissions, o.Permissions),
		Location:         pick(c.Location, o.Location),
		Deeplink:         pick(c.Deeplink, o.Deeplink),
		LaunchApp:        pick(c.LaunchApp, o.LaunchApp),
		LaunchAppDefault: pick(c.LaunchAppDefault, o.LaunchAppDefault),
	}
}

// CommandSet is the command file structure, keyed by platform.
type CommandSet struct {
	Android PlatformCommands `yaml:"android" json:"android"`
	IOS     PlatformCommands `yaml:"ios" json:"ios"`
}

// DefaultCommandSet returns the built-in adb / xcrun / applesimutils templates.
func DefaultCommandSet() *CommandSet {
	return &CommandSet{
		Android: PlatformCommands{
			Screenshot:       "adb exec-out screencap -p > {path}",
			Location:         "adb emu geo fix {lng} {lat}",
			Deeplink:         "adb shell am start -W -a android.intent.action.VIEW -d {link} {packageId}",
			LaunchApp:        "adb shell am start -n {packageId}/{activity}",
			LaunchAppDefault: "adb shell monkey -p {packageId} -c android.intent.category.LAUNCHER 1",
		},
		IOS: PlatformCommands{
			Screenshot:       "xcrun simctl io booted screenshot {path}",
			Permissions:      "applesimutils --booted --bundle {bundleId} --setPermissions {perms}",
			Location:         "xcrun simctl location booted set {lat},{lng}",
			Deeplink:         "xcrun simctl openurl booted {link}",
			LaunchApp:        "xcrun simctl launch booted {packageId}",
			LaunchAppDefault: "xcrun simctl launch booted {packageId}",
		},
	}
}

// LoadCommandSet reads a YAML command file and overlays it on the defaults.
func LoadCommandSet(path string) (*CommandSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read command file: %w", err)
	}

	var overrides CommandSet
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse command file: %w", err)
	}

	set := DefaultCommandSet()
	set.Android = set.Android.merge(overrides.Android)
	set.IOS = set.IOS.merge(overrides.IOS)
	return set, nil
}

// Lookup returns the command template for an action on a platform.
func (s *CommandSet) Lookup(platform Platform, action Action) (string, bool) {
	var cmds PlatformCommands
	switch platform {
	case PlatformAndroid:
		cmds = s.Android
	case PlatformIOS:
		cmds = s.IOS
	default:
		return "", false
	}
	tmpl := cmds.lookup(action)
	return tmpl, tmpl != ""
}
