/*
Package adapter assembles a running blobcache from a Configuration.

Start builds, in order: the metrics collector, the idle reaper and pooled
connection manager (when the shared index is enabled), the index client,
the cache manager, and the S3 read-through backend. Stop tears them down in
reverse.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/blobcache.yaml"); err != nil {
		return err
	}
	a, err := adapter.New(ctx, "s3://my-bucket/datasets", cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

	rc, err := a.Open(ctx, "train/shard-0001.tar")
*/
package adapter
