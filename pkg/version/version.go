package version

// Version is the release of the service; overridden at build time with
// -ldflags "-X convopulse/pkg/version.Version=..."
var Version = "0.1.0"

// UserAgent returns the User-Agent sent on outbound notification requests
func UserAgent() string {
	return "convopulse/" + Version
}
