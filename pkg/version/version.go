package version

import (
	"os"
)

// Version is updated automatically as part of the build process
//
// DO NOT EDIT
var Version = undefinedVersion

const (
	undefinedVersion = "undefined"
	product          = "multipass"
)

func init() {
	// Use `$MULTIPASS_VERSION_OVERRIDE` as the version only if the version
	// wasn't set at link time, so that packaged builds can stamp the version
	// without relinking.
	if Version == undefinedVersion {
		override := os.Getenv("MULTIPASS_VERSION_OVERRIDE")
		if override != "" {
			Version = override
		}
	}
}

// ServerHeader is the value of the Server header on responses the proxy
// generates itself.
func ServerHeader() string {
	return product + "/" + Version
}

// UserAgent identifies outbound requests made by the gateway.
func UserAgent() string {
	return product + "/" + Version
}
