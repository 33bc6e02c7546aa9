package syncer

import "errors"

// ErrSnapshotStaleness is returned when the snapshot source kept lagging
// the delta stream for the whole retry budget. Unlike a sequence gap this
// is fatal to the session: it indicates an unrecoverable mismatch between
// the snapshot and stream sources.
var ErrSnapshotStaleness = errors.New("snapshot staleness retry ceiling exceeded")
