/*
Package config loads, validates and converts blobcache configuration.

Configuration is read from YAML and may be overridden by BLOBCACHE_*
environment variables:

	global:
	  log_level: INFO          # DEBUG, INFO, WARN, ERROR
	  log_format: text         # text or json
	  metrics_port: 8080
	cache:
	  enabled: true
	  capacity: 10GB
	  path: /var/cache/blobcache
	  small_object_threshold: 1MB   # 0 disables the memory tier
	  digest: md5                   # md5 or sha256-128
	workers:
	  write:  {workers: 50, queue_size: 1024, overflow: reject}
	  delete: {workers: 2,  queue_size: 4096, overflow: block}
	index:
	  enabled: false
	  address: 127.0.0.1:9999
	  connect_timeout: 10s
	  read_timeout: 10s
	  max_conns_total: 100
	  max_conns_per_host: 100
	  send_buffer: 512KB
	  receive_buffer: 512KB
	  validate_after_inactivity: 10s
	  breaker:
	    enabled: true
	    failure_threshold: 5   # consecutive failures before lookups short-circuit
	    timeout: 30s
	reaper:
	  period: 60s
	  idle_threshold: 30s    # must exceed connect_timeout + read_timeout when the index is enabled
	storage:
	  s3:
	    bucket: my-bucket
	    region: us-east-1

EngineOptions, PoolConfigs and ConnConfig convert the parsed values into
the option types of the cache, workerpool and conn packages.
*/
package config
