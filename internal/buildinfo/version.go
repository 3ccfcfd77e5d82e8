// Package buildinfo holds the compile-time version banner.
package buildinfo

// Version is embedded in the Proxy-agent header of every CONNECT and
// 502 reply. There is no runtime override, matching the original
// proxy's compile-time version string.
const Version = "0.2"
