package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey makes read queries go to the write pool, for
	// read-your-writes consistency right after an update.
	UseMasterDBKey = ContextKey("use_master")
)
