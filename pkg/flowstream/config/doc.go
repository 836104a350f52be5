/*
Package config loads flowstream job settings from YAML or JSON.

# Overview

Files are decoded into a generic map, wrapped in a Config, and then read
into a typed Settings value with defaults for every missing key:

	settings, err := config.Load("job.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	if err := settings.Validate(); err != nil {
	    log.Fatal(err)
	}

A complete file:

	job:
	  id: orders
	checkpointing:
	  interval: 10s
	  timeout: 1m
	  min_pause: 2s
	  max_concurrent: 1
	  tolerable_failures: 3
	  unaligned: false
	  retained: 3
	  retain_savepoints: true
	store:
	  backend: sqlite
	  path: /var/lib/flowstream/checkpoints.db
	state:
	  backend: blob
	  url: file:///var/lib/flowstream/state
	sink:
	  commit_max_elapsed: 2m
	restart:
	  max_restarts: 5
	  delay: 1s

# Type Coercion

Durations accept Go duration strings ("30s", "1h30m") or numbers, which are
read as seconds. Integers accept whole floats (JSON numbers).

Values of the wrong type fall back to the default; Validate reports
settings that are present but out of range.
*/
package config
