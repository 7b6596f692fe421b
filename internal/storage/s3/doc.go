// Package s3 reads immutable objects from an S3 bucket through the blob cache.
//
// Backend.Open serves a cached copy when one exists and otherwise fetches the
// object with GetObject, hands it to the cache, and returns it. Objects above
// Config.MaxObjectSize are streamed straight from S3 and never cached.
package s3
