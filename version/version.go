package version

// will be replaced with the release version when using goreleaser
var version = "development"

// ProtocolVersion is the installer protocol spoken by this build
const ProtocolVersion = "1.0.0"

// SupportedProtocols is the constraint an installer applies to a client's protocol version
const SupportedProtocols = ">= 1.0.0, < 2.0.0"

// Version returns the build version
func Version() string {
	return version
}

// UserAgent returns the default client identity sent with feed and artifact requests
func UserAgent() string {
	return "selfupdate/" + version
}
