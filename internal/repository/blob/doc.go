// Package blob abstracts the versioned bucket that published update
// packages land in, with an S3 implementation and an in-memory fake.
package blob
