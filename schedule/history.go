package schedule

import "github.com/agentethan/weaveflow/history"

// HistoryBackend is the opaque conversation-history contract a `histories`
// entry binds to (SPEC_FULL.md section 6). The scheduler never looks inside
// one -- it only hands the bound backend to a materialized component through
// RunContext.History. history.Backend already implements exactly this
// contract, so this is a type alias rather than a second interface
// definition the two packages would need to keep in sync.
type HistoryBackend = history.Backend
