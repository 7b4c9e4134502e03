package version

// Version is stamped at release time with
//
//	-ldflags="-X 'github.com/BioHazard786/warplink/internal/version.Version=v1.0.0'"
var Version = "dev"
