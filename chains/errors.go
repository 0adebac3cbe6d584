package chains

import "errors"

// ErrInconsistent is raised by Cleanup when, after reconciling with the
// dataplane, a chain that ought to be present (explicitly programmed or
// still required by another chain) is missing. This is a fatal domain
// error: the supervising process is expected to act on it (typically by
// restarting the agent), not retry it itself.
var ErrInconsistent = errors.New("chain manager: index inconsistent with dataplane")

// ErrChainNameTooLong is returned when a caller tries to rewrite a chain
// whose name would not fit in the kernel's fixed-size chain name buffer.
var ErrChainNameTooLong = errors.New("chain manager: chain name too long")
