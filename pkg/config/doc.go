/*
Package config loads the fleetd configuration.

Values are layered: built-in defaults, then a YAML file, then FLEETD_*
environment variables for addresses and credentials. Durations are written
as Go duration strings ("30s", "5m").

	data_dir: /var/lib/fleetd
	log:
	  level: info
	storage:
	  backend: redis
	  redis:
	    addr: localhost:6379
	pipeline:
	  nats_url: nats://localhost:4222
	transport:
	  mqtt_broker: tcp://localhost:1883
*/
package config
