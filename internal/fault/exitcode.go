package fault

// Process exit codes. Each fatal kind gets its own code for operability.
const (
	ExitOK         = 0
	ExitUsage      = 1
	ExitBind       = 3
	ExitConnection = 4
	ExitDecode     = 5
	ExitSink       = 6
	ExitSocketRead = 7
	ExitOversize   = 8
	ExitSpool      = 9
)

// ExitCode maps an error returned by the relay to a process exit code.
// Untagged errors (config, usage) exit with ExitUsage.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindBind:
		return ExitBind
	case KindConnection:
		return ExitConnection
	case KindDecode:
		return ExitDecode
	case KindOversize:
		return ExitOversize
	case KindSink:
		return ExitSink
	case KindSocketRead:
		return ExitSocketRead
	case KindSpool:
		return ExitSpool
	default:
		return ExitUsage
	}
}
