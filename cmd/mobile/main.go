// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: liboffsync.so (Android) / offsync.framework (iOS)
package main

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
