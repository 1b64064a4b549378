package flag

import "flag"

var (
	ServiceName = flag.String("service_name", "newsfeed_alerts", "name of the service, used by logging and tracing")
	ConfigPath  = flag.String("config", "", "path to the yaml config file, overrides ALERTS_CONFIG")
)

// ParseFlags parses command line flags once. It's safe to call multiple times.
func ParseFlags() {
	if !flag.Parsed() {
		flag.Parse()
	}
}
