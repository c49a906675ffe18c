// Package testutils provides testing utilities shared across mailtrack test suites.
//
// Key components:
//   - MemStore: an in-memory live store implementing every store interface,
//     with per-operation error injection
//   - FileBasedS3Mock: a disk-backed object store standing in for S3
//   - SetupTestDatabase: a PostgreSQL connection for integration tests,
//     configured from config-test.toml
//
// Example usage:
//
//	func TestMyFunction(t *testing.T) {
//		store := testutils.NewMemStore()
//		store.SetError("DeleteEmails", errors.New("boom"))
//		// Use store in your tests...
//	}
package testutils
