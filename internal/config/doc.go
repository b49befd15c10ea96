// Package config loads the backup profile with Viper.
//
// The file is config.yaml, searched in the current directory and then in
// ~/.config/snapkeep. Every key can be overridden from the environment with
// the SNAPKEEP_ prefix:
//
//	target: /mnt/backup/host
//	maxincrement: 7
//	include:
//	  - /home/alice
//	  - /etc
//	exclude:
//	  - /home/alice/.cache
//	exclude_regex:
//	  - '\.tmp$'
//	max_file_size: 1073741824
//	follow_links: false
//	purge: log        # "", "log" or a number of days
//	compression: gz   # none, gz or bz2
//	split_size: 0
//	read_timeout: 3s
//
// [Validate] reports every problem at once rather than stopping at the
// first.
package config
