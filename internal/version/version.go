package version

// Version is the familyreunion build version. Release builds override it:
//
//	go build -ldflags="-X 'github.com/4citeB4U/familyreunion/internal/version.Version=v1.0.0'"
var Version = "dev"
