package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock taken while schema
// migrations run, so only one mailtrack process migrates at a time.
const MigrationAdvisoryLockID = 42734582

// ArchiveLockPrefix prefixes the per-day rows in the locks table.
const ArchiveLockPrefix = "archive:"

// DenyListExpireLock is the locks table row held while expired entries are removed.
const DenyListExpireLock = "denylist:expire"
