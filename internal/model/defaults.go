package model

import "time"

// Shared defaults used by the relay binary, the pipeline and their tests.
const (
	DefaultPort            = 33322
	DefaultBindHost        = "0.0.0.0"
	DefaultMaxDatagramSize = 2048
	DefaultDestination     = "test_queue"
	DefaultCredentialEnv   = "REDIS_PASSWD"
	DefaultPushTimeout     = 5 * time.Second
	DefaultDrainTimeout    = 10 * time.Second
)
