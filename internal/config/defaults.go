package config

import "time"

// Default configuration values. DefaultPort matches the fallback this
// spec requires when no PORT argument is given; 69 is the IANA well-known
// TFTP port but requires privileges most operators don't want to grant
// the daemon.
const (
	DefaultPort      = 6969
	DefaultRoot      = "."
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultMaxRetries             = 5
	DefaultTimeout                = 5 * time.Second
	DefaultBlockWrap              = BlockWrapOne
	DefaultDeletePartialOnFailure = true
)

// Block-number wrap policy names (Open Question 1).
const (
	BlockWrapZero = "zero" // 65535 -> 0
	BlockWrapOne  = "one"  // 65535 -> 1
)
