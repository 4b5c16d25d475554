// Package config loads the engine's YAML configuration: device
// geometry (block size, journal extent length, entries per journal
// block), recovery sizing (VIO pool size, priority restriction), and
// the ambient logging/metrics settings. Load layers a file over
// Default and validates the result; the zero path is valid and means
// "defaults only".
package config
