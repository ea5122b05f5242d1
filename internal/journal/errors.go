package journal

import "errors"

// ErrJournalFull indicates every journal bucket is still holding
// unreclaimed data; the caller must reclaim or wait before appending more.
var ErrJournalFull = errors.New("journal: no free bucket to roll into")

// ErrRecordTooLarge indicates a single flush's encoded record would not
// fit in one bucket.
var ErrRecordTooLarge = errors.New("journal: record exceeds bucket capacity")
