// Package layer abstracts the physical I/O backend as fixed-size
// block reads. The recovery core only consumes the Layer interface;
// FileLayer is the file/block-device implementation used by the CLI
// and tests.
package layer
